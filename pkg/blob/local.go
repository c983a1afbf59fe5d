package blob

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// LocalStore keeps blobs as plain files under a root directory.
type LocalStore struct {
	root   string
	logger *zap.Logger
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string, logger *zap.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "local blob store requires a root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindInvalidArgument, err, "resolve blob root %q", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "create blob root %q", abs)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{root: abs, logger: logger}, nil
}

// resolve maps a store path onto the filesystem and rejects escapes
// from the root.
func (s *LocalStore) resolve(p string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	full := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if full != s.root && !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", vkerr.New(vkerr.KindInvalidArgument, "path %q escapes store root", p)
	}
	return full, nil
}

func (s *LocalStore) entryFor(storePath string, info os.FileInfo) Entry {
	return Entry{
		Name:    info.Name(),
		Path:    storePath,
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC(),
		IsDir:   info.IsDir(),
	}
}

func (s *LocalStore) Read(ctx context.Context, p string, offset, size int64) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vkerr.New(vkerr.KindNotFound, "file not found: %s", p)
		}
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "open %s", p)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, vkerr.Wrap(vkerr.KindInvalidArgument, err, "seek %s to %d", p, offset)
		}
	}
	var data []byte
	if size < 0 {
		data, err = io.ReadAll(f)
	} else {
		data = make([]byte, size)
		var n int
		n, err = io.ReadFull(f, data)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			data, err = data[:n], nil
		}
	}
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "read %s", p)
	}
	return data, nil
}

func (s *LocalStore) Write(ctx context.Context, p string, data []byte) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "create parent of %s", p)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "write %s", p)
	}
	return nil
}

func (s *LocalStore) Ls(ctx context.Context, p string) ([]Entry, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vkerr.New(vkerr.KindNotFound, "directory not found: %s", p)
		}
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "list %s", p)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, s.entryFor(path.Join(p, de.Name()), info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *LocalStore) Mkdir(ctx context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "mkdir %s", p)
	}
	return nil
}

func (s *LocalStore) Rm(ctx context.Context, p string, recursive bool) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
		}
		return vkerr.Wrap(vkerr.KindUnavailable, err, "stat %s", p)
	}
	if info.IsDir() && !recursive {
		dirents, err := os.ReadDir(full)
		if err != nil {
			return vkerr.Wrap(vkerr.KindUnavailable, err, "list %s", p)
		}
		if len(dirents) > 0 {
			return vkerr.New(vkerr.KindInvalidArgument, "directory %s not empty, pass recursive", p)
		}
	}
	if err := os.RemoveAll(full); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "remove %s", p)
	}
	return nil
}

func (s *LocalStore) Mv(ctx context.Context, from, to string) error {
	src, err := s.resolve(from)
	if err != nil {
		return err
	}
	dst, err := s.resolve(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return vkerr.New(vkerr.KindNotFound, "path not found: %s", from)
		}
		return vkerr.Wrap(vkerr.KindUnavailable, err, "stat %s", from)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "create parent of %s", to)
	}
	if err := os.Rename(src, dst); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "move %s to %s", from, to)
	}
	return nil
}

func (s *LocalStore) Stat(ctx context.Context, p string) (Entry, error) {
	full, err := s.resolve(p)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
		}
		return Entry{}, vkerr.Wrap(vkerr.KindUnavailable, err, "stat %s", p)
	}
	e := s.entryFor(p, info)
	e.Name = path.Base(path.Clean("/" + p))
	return e, nil
}

func (s *LocalStore) Grep(ctx context.Context, p, pattern string, recursive, caseInsensitive bool) ([]GrepMatch, error) {
	re, err := compileGrepPattern(pattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
		}
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "stat %s", p)
	}

	var matches []GrepMatch
	scan := func(storePath, fsPath string) error {
		f, err := os.Open(fsPath)
		if err != nil {
			return nil
		}
		defer f.Close()
		matches = append(matches, scanLines(storePath, f, re)...)
		return nil
	}

	if !info.IsDir() {
		if err := scan(p, full); err != nil {
			return nil, err
		}
		return matches, nil
	}
	err = filepath.WalkDir(full, func(fsPath string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if fsPath != full && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(full, fsPath)
		if err != nil {
			return nil
		}
		return scan(path.Join(p, filepath.ToSlash(rel)), fsPath)
	})
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "walk %s", p)
	}
	return matches, nil
}

func compileGrepPattern(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindInvalidArgument, err, "invalid grep pattern")
	}
	return re, nil
}

// scanLines reports every matching line with 1-based line numbers.
// Lines longer than 1 MiB abort the file scan quietly.
func scanLines(storePath string, r io.Reader, re *regexp.Regexp) []GrepMatch {
	var matches []GrepMatch
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			matches = append(matches, GrepMatch{File: storePath, Line: line, Content: text})
		}
	}
	return matches
}
