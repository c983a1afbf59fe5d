package blob

import (
	"bytes"
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// MemoryStore is a map-backed Store for tests and ephemeral setups.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*memoryFile
	dirs  map[string]time.Time
}

type memoryFile struct {
	data    []byte
	modTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*memoryFile),
		dirs:  map[string]time.Time{"/": time.Now().UTC()},
	}
}

func normalizePath(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// ensureParents registers every ancestor directory of p. Callers hold
// the write lock.
func (s *MemoryStore) ensureParents(p string) {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		if _, ok := s.dirs[dir]; !ok {
			s.dirs[dir] = time.Now().UTC()
		}
		if dir == "/" {
			break
		}
	}
}

func (s *MemoryStore) Read(ctx context.Context, p string, offset, size int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[normalizePath(p)]
	if !ok {
		return nil, vkerr.New(vkerr.KindNotFound, "file not found: %s", p)
	}
	data := f.data
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	data = data[offset:]
	if size >= 0 && size < int64(len(data)) {
		data = data[:size]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	np := normalizePath(p)
	buf := make([]byte, len(data))
	copy(buf, data)
	s.files[np] = &memoryFile{data: buf, modTime: time.Now().UTC()}
	s.ensureParents(np)
	return nil
}

func (s *MemoryStore) Ls(ctx context.Context, p string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	np := normalizePath(p)
	if _, ok := s.dirs[np]; !ok {
		return nil, vkerr.New(vkerr.KindNotFound, "directory not found: %s", p)
	}
	seen := make(map[string]bool)
	var entries []Entry
	prefix := np
	if prefix != "/" {
		prefix += "/"
	}
	for fp, f := range s.files {
		if !strings.HasPrefix(fp, prefix) {
			continue
		}
		rest := strings.TrimPrefix(fp, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			continue
		}
		seen[rest] = true
		entries = append(entries, Entry{
			Name:    rest,
			Path:    fp,
			Size:    int64(len(f.data)),
			Mode:    "-rw-r--r--",
			ModTime: f.modTime,
			IsDir:   false,
		})
	}
	for dp, mt := range s.dirs {
		if dp == np || !strings.HasPrefix(dp, prefix) {
			continue
		}
		rest := strings.TrimPrefix(dp, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			continue
		}
		if seen[rest] {
			continue
		}
		entries = append(entries, Entry{
			Name:    rest,
			Path:    dp,
			Mode:    "drwxr-xr-x",
			ModTime: mt,
			IsDir:   true,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *MemoryStore) Mkdir(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	np := normalizePath(p)
	if _, ok := s.dirs[np]; !ok {
		s.dirs[np] = time.Now().UTC()
	}
	s.ensureParents(np)
	return nil
}

func (s *MemoryStore) Rm(ctx context.Context, p string, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	np := normalizePath(p)
	if _, ok := s.files[np]; ok {
		delete(s.files, np)
		return nil
	}
	if _, ok := s.dirs[np]; !ok {
		return vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
	}
	prefix := np + "/"
	var files, dirs []string
	for fp := range s.files {
		if strings.HasPrefix(fp, prefix) {
			files = append(files, fp)
		}
	}
	for dp := range s.dirs {
		if strings.HasPrefix(dp, prefix) {
			dirs = append(dirs, dp)
		}
	}
	if !recursive && (len(files) > 0 || len(dirs) > 0) {
		return vkerr.New(vkerr.KindInvalidArgument, "directory %s not empty, pass recursive", p)
	}
	for _, fp := range files {
		delete(s.files, fp)
	}
	for _, dp := range dirs {
		delete(s.dirs, dp)
	}
	delete(s.dirs, np)
	return nil
}

func (s *MemoryStore) Mv(ctx context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, dst := normalizePath(from), normalizePath(to)
	if f, ok := s.files[src]; ok {
		s.files[dst] = f
		delete(s.files, src)
		s.ensureParents(dst)
		return nil
	}
	if _, ok := s.dirs[src]; !ok {
		return vkerr.New(vkerr.KindNotFound, "path not found: %s", from)
	}
	srcPrefix, dstPrefix := src+"/", dst+"/"
	for fp, f := range s.files {
		if strings.HasPrefix(fp, srcPrefix) {
			s.files[dstPrefix+strings.TrimPrefix(fp, srcPrefix)] = f
			delete(s.files, fp)
		}
	}
	for dp, mt := range s.dirs {
		if strings.HasPrefix(dp, srcPrefix) {
			s.dirs[dstPrefix+strings.TrimPrefix(dp, srcPrefix)] = mt
			delete(s.dirs, dp)
		}
	}
	s.dirs[dst] = s.dirs[src]
	delete(s.dirs, src)
	s.ensureParents(dst)
	return nil
}

func (s *MemoryStore) Stat(ctx context.Context, p string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	np := normalizePath(p)
	name := path.Base(np)
	if f, ok := s.files[np]; ok {
		return Entry{Name: name, Path: np, Size: int64(len(f.data)), Mode: "-rw-r--r--", ModTime: f.modTime}, nil
	}
	if mt, ok := s.dirs[np]; ok {
		return Entry{Name: name, Path: np, Mode: "drwxr-xr-x", ModTime: mt, IsDir: true}, nil
	}
	return Entry{}, vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
}

func (s *MemoryStore) Grep(ctx context.Context, p, pattern string, recursive, caseInsensitive bool) ([]GrepMatch, error) {
	re, err := compileGrepPattern(pattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	np := normalizePath(p)
	if f, ok := s.files[np]; ok {
		return scanLines(np, bytes.NewReader(f.data), re), nil
	}
	if _, ok := s.dirs[np]; !ok {
		return nil, vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
	}
	prefix := np + "/"
	var paths []string
	for fp := range s.files {
		if !strings.HasPrefix(fp, prefix) {
			continue
		}
		if !recursive && strings.Contains(strings.TrimPrefix(fp, prefix), "/") {
			continue
		}
		paths = append(paths, fp)
	}
	sort.Strings(paths)
	var matches []GrepMatch
	for _, fp := range paths {
		matches = append(matches, scanLines(fp, bytes.NewReader(s.files[fp].data), re)...)
	}
	return matches, nil
}
