// Package vikingfs is the URI-addressed virtual filesystem. It maps
// viking:// URIs onto a blob store under /local/{account}, enforces
// per-request access boundaries, and keeps the vector index consistent
// across destructive operations (rm, mv).
package vikingfs

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/retrieve"
	"github.com/openviking/openviking-go/pkg/semantic"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vectorindex"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// GrepMatch is one matched line, addressed by URI.
type GrepMatch struct {
	URI     string `json:"uri"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// FS exposes filesystem operations scoped by a RequestContext. The
// index, retriever and intent analyzer are optional; when nil the
// corresponding behavior (vector sync, find/search, query planning)
// degrades gracefully.
type FS struct {
	store     blob.Store
	index     *vectorindex.Index
	retriever *retrieve.Retriever
	intent    *semantic.IntentAnalyzer
	semanticQ semantic.Enqueuer
	logger    *zap.Logger
}

func New(store blob.Store, index *vectorindex.Index, retriever *retrieve.Retriever, intent *semantic.IntentAnalyzer, logger *zap.Logger) *FS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FS{store: store, index: index, retriever: retriever, intent: intent, logger: logger}
}

// SetSemanticQueue installs the queue that receives indexing work for
// written contexts. Installed after construction because the queue
// manager is built on top of the same blob store.
func (fs *FS) SetSemanticQueue(q semantic.Enqueuer) { fs.semanticQ = q }

// accessible reports whether rc may touch u. Root sees everything.
// Shared scopes (resources, temp, transactions) are open to every
// caller; _system is root-only; user and session URIs are bound to the
// caller's user space, agent URIs to its agent space.
func accessible(rc identity.RequestContext, u string) bool {
	if rc.IsRoot() {
		return true
	}
	if !uri.IsVikingURI(u) {
		return false
	}
	parts := uri.Split(u)
	if len(parts) == 0 {
		return true
	}
	scope := parts[0]
	switch scope {
	case uri.ScopeResources, uri.ScopeTemp, uri.ScopeTransactions:
		return true
	case uri.ScopeSystem:
		return false
	}
	space, ok := uri.ExtractSpace(u)
	if !ok {
		return true
	}
	switch scope {
	case uri.ScopeUser, uri.ScopeSession:
		return space == rc.UserSpace
	case uri.ScopeAgent:
		return space == rc.AgentSpace
	}
	return true
}

func ensureAccess(rc identity.RequestContext, u string) error {
	if !accessible(rc, u) {
		return vkerr.New(vkerr.KindPermissionDenied, "access denied: %s", u)
	}
	return nil
}

// track records one fs operation for metrics. Use with a named error
// return: defer func() { track("rm", started, err) }().
func track(op string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordFSOperation(op, status, time.Since(started).Seconds())
}

func (fs *FS) path(rc identity.RequestContext, u string) string {
	return uri.ToPath(u, rc.AccountID)
}

// decodeText interprets raw bytes as text: UTF-8 when valid, then GBK,
// then Latin-1. Latin-1 maps every byte so the chain always produces a
// string.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if s, err := simplifiedchinese.GBK.NewDecoder().Bytes(data); err == nil && !strings.ContainsRune(string(s), utf8.RuneError) {
		return string(s)
	}
	s, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(s)
}

// splitLines splits keeping line terminators, like a text editor's line
// view. A trailing newline does not produce a final empty line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Read returns up to size bytes of the file at u starting at offset.
// size < 0 reads to the end.
func (fs *FS) Read(ctx context.Context, rc identity.RequestContext, u string, offset, size int64) (data []byte, err error) {
	started := time.Now()
	defer func() { track("read", started, err) }()
	if err = ensureAccess(rc, u); err != nil {
		return nil, err
	}
	return fs.store.Read(ctx, fs.path(rc, u), offset, size)
}

// ReadFile returns the decoded text content of the file at target.
func (fs *FS) ReadFile(ctx context.Context, rc identity.RequestContext, target string) (string, error) {
	data, err := fs.Read(ctx, rc, target, 0, -1)
	if err != nil {
		return "", err
	}
	return decodeText(data), nil
}

// ReadFileLines returns a window of the file's lines: limit lines
// starting at the zero-based line offset, or everything from offset
// when limit < 0. An offset past the end yields the empty string.
func (fs *FS) ReadFileLines(ctx context.Context, rc identity.RequestContext, u string, offset, limit int) (string, error) {
	text, err := fs.ReadFile(ctx, rc, u)
	if err != nil {
		return "", err
	}
	lines := splitLines(text)
	if offset >= len(lines) {
		return "", nil
	}
	if offset < 0 {
		offset = 0
	}
	lines = lines[offset:]
	if limit >= 0 && limit < len(lines) {
		lines = lines[:limit]
	}
	return strings.Join(lines, ""), nil
}

// Write stores data at u, creating parent directories.
func (fs *FS) Write(ctx context.Context, rc identity.RequestContext, u string, data []byte) (err error) {
	started := time.Now()
	defer func() { track("write", started, err) }()
	ctx, span := tracing.StartSpan(ctx, "fs write")
	defer span.End()
	if err = ensureAccess(rc, u); err != nil {
		return err
	}
	return fs.store.Write(ctx, fs.path(rc, u), data)
}

// WriteFile stores text content at target.
func (fs *FS) WriteFile(ctx context.Context, rc identity.RequestContext, target string, content string) error {
	return fs.Write(ctx, rc, target, []byte(content))
}

// AppendFile appends content to the file at u, creating it when absent.
func (fs *FS) AppendFile(ctx context.Context, rc identity.RequestContext, u string, content string) error {
	existing, err := fs.ReadFile(ctx, rc, u)
	if err != nil {
		if vkerr.IsKind(err, vkerr.KindPermissionDenied) {
			return err
		}
		existing = ""
	}
	return fs.WriteFile(ctx, rc, u, existing+content)
}

// MoveFile copies the file at from to to and removes the original. It
// does not touch the vector index; use Mv for indexed subtrees.
func (fs *FS) MoveFile(ctx context.Context, rc identity.RequestContext, from, to string) error {
	data, err := fs.Read(ctx, rc, from, 0, -1)
	if err != nil {
		return err
	}
	if err := fs.Write(ctx, rc, to, data); err != nil {
		return err
	}
	return fs.store.Rm(ctx, fs.path(rc, from), false)
}

// Mkdir creates the directory at u together with missing parents.
func (fs *FS) Mkdir(ctx context.Context, rc identity.RequestContext, u string) error {
	if err := ensureAccess(rc, u); err != nil {
		return err
	}
	return fs.store.Mkdir(ctx, fs.path(rc, u))
}

// Stat returns the entry for u. Entry.Path carries the viking:// URI.
func (fs *FS) Stat(ctx context.Context, rc identity.RequestContext, u string) (blob.Entry, error) {
	if err := ensureAccess(rc, u); err != nil {
		return blob.Entry{}, err
	}
	p := fs.path(rc, u)
	e, err := fs.store.Stat(ctx, p)
	if err != nil {
		return blob.Entry{}, err
	}
	e.Path = uri.FromPath(p, rc.AccountID)
	return e, nil
}

// Exists reports whether u names a file or directory.
func (fs *FS) Exists(ctx context.Context, rc identity.RequestContext, u string) (bool, error) {
	_, err := fs.Stat(ctx, rc, u)
	if err != nil {
		if vkerr.IsKind(err, vkerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Grep searches file contents under u and returns matched lines keyed
// by URI. Directories are searched recursively.
func (fs *FS) Grep(ctx context.Context, rc identity.RequestContext, u, pattern string, caseInsensitive bool) (matches []GrepMatch, err error) {
	started := time.Now()
	defer func() { track("grep", started, err) }()
	if err = ensureAccess(rc, u); err != nil {
		return nil, err
	}
	raw, err := fs.store.Grep(ctx, fs.path(rc, u), pattern, true, caseInsensitive)
	if err != nil {
		return nil, err
	}
	matches = make([]GrepMatch, 0, len(raw))
	for _, m := range raw {
		matches = append(matches, GrepMatch{
			URI:     uri.FromPath(m.File, rc.AccountID),
			Line:    m.Line,
			Content: m.Content,
		})
	}
	return matches, nil
}

// Rm removes u from the blob store and purges its records from the
// vector index. A missing blob target is not an error: index records
// can outlive their files and still need the purge.
func (fs *FS) Rm(ctx context.Context, rc identity.RequestContext, u string, recursive bool) (err error) {
	started := time.Now()
	defer func() { track("rm", started, err) }()
	ctx, span := tracing.StartSpan(ctx, "fs rm")
	defer span.End()
	if err = ensureAccess(rc, u); err != nil {
		return err
	}
	p := fs.path(rc, u)
	uris := fs.collectURIs(ctx, rc, p, recursive)
	uris = append(uris, uri.FromPath(p, rc.AccountID))

	rmErr := fs.store.Rm(ctx, p, recursive)
	if rmErr != nil && !vkerr.IsKind(rmErr, vkerr.KindNotFound) {
		return rmErr
	}
	fs.deleteVectors(ctx, rc, uris)
	if rmErr != nil {
		fs.logger.Info("Blob already gone, purged index records only", zap.String("uri", u))
	}
	return nil
}

// Mv moves u to newURI in the blob store and rewrites the indexed URIs
// of the moved subtree. When the source blob is missing the stale index
// records are purged and the blob error is returned.
func (fs *FS) Mv(ctx context.Context, rc identity.RequestContext, u, newURI string) (err error) {
	started := time.Now()
	defer func() { track("mv", started, err) }()
	ctx, span := tracing.StartSpan(ctx, "fs mv")
	defer span.End()
	if err = ensureAccess(rc, u); err != nil {
		return err
	}
	if err = ensureAccess(rc, newURI); err != nil {
		return err
	}
	oldPath := fs.path(rc, u)
	newPath := fs.path(rc, newURI)
	oldBase := uri.FromPath(oldPath, rc.AccountID)
	newBase := uri.FromPath(newPath, rc.AccountID)

	uris := fs.collectURIs(ctx, rc, oldPath, true)
	uris = append(uris, oldBase)

	if mvErr := fs.store.Mv(ctx, oldPath, newPath); mvErr != nil {
		if vkerr.IsKind(mvErr, vkerr.KindNotFound) {
			fs.deleteVectors(ctx, rc, uris)
			fs.logger.Info("Mv source missing, purged index records", zap.String("uri", u))
		}
		return mvErr
	}
	fs.remapVectors(ctx, rc, uris, oldBase, newBase)
	return nil
}

// collectURIs lists the URIs under path that may have index records:
// every file, and every directory when recursive. Listing failures are
// swallowed; a partial collection still lets the caller clean up what
// it saw.
func (fs *FS) collectURIs(ctx context.Context, rc identity.RequestContext, path string, recursive bool) []string {
	var uris []string
	var walk func(p string)
	walk = func(p string) {
		entries, err := fs.lsEntries(ctx, p)
		if err != nil {
			return
		}
		for _, e := range entries {
			child := p + "/" + e.Name
			if e.IsDir {
				if recursive {
					uris = append(uris, uri.FromPath(child, rc.AccountID))
					walk(child)
				}
				continue
			}
			uris = append(uris, uri.FromPath(child, rc.AccountID))
		}
	}
	walk(path)
	return uris
}

// deleteVectors purges index records for uris. Best effort: the blob
// operation already succeeded, so index failures only warn.
func (fs *FS) deleteVectors(ctx context.Context, rc identity.RequestContext, uris []string) {
	if fs.index == nil || len(uris) == 0 {
		return
	}
	deleted, err := fs.index.DeleteURIs(ctx, rc, uris)
	if err != nil {
		fs.logger.Warn("Vector cleanup failed",
			zap.Int("uris", len(uris)),
			zap.Error(err))
		return
	}
	if deleted > 0 {
		fs.logger.Debug("Purged index records", zap.Int("deleted", deleted))
	}
}

// remapVectors rewrites indexed uri and parent_uri fields from oldBase
// to newBase for every moved URI. Per-URI failures warn and continue.
func (fs *FS) remapVectors(ctx context.Context, rc identity.RequestContext, uris []string, oldBase, newBase string) {
	if fs.index == nil {
		return
	}
	for _, u := range uris {
		recs, err := fs.index.GetContextByURI(ctx, rc.AccountID, u, "", 1)
		if err != nil {
			fs.logger.Warn("Index lookup failed during mv", zap.String("uri", u), zap.Error(err))
			continue
		}
		if len(recs) == 0 {
			continue
		}
		newU := u
		if uri.HasPrefix(u, oldBase) {
			newU = uri.ReplacePrefix(u, oldBase, newBase)
		}
		newParent := ""
		if p, ok := recs[0]["parent_uri"].(string); ok && p != "" {
			newParent = p
			if uri.HasPrefix(p, oldBase) {
				newParent = uri.ReplacePrefix(p, oldBase, newBase)
			}
		}
		if _, err := fs.index.UpdateURIMapping(ctx, rc, u, newU, newParent); err != nil {
			fs.logger.Warn("Index remap failed during mv",
				zap.String("from", u),
				zap.String("to", newU),
				zap.Error(err))
		}
	}
}

// CreateTempURI returns a fresh URI under viking://temp for scratch
// work. The directory is created lazily on first write.
func CreateTempURI() string {
	return uri.Join(uri.Scheme+uri.ScopeTemp, uuid.NewString())
}

// DeleteTemp removes a temp subtree from the blob store. Temp content
// is never indexed, so there is no vector cleanup.
func (fs *FS) DeleteTemp(ctx context.Context, rc identity.RequestContext, tempURI string) error {
	err := fs.store.Rm(ctx, fs.path(rc, tempURI), true)
	if err != nil && !vkerr.IsKind(err, vkerr.KindNotFound) {
		fs.logger.Warn("Temp cleanup failed", zap.String("uri", tempURI), zap.Error(err))
		return err
	}
	return nil
}
