package vikingfs

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/uri"
)

const (
	defaultNodeLimit      = 1000
	defaultAbstractLimit  = 256
	abstractPrefetchSlots = 6

	abstractNotReady = "[.abstract.md is not ready]"
)

// ListOptions tunes listing operations. Tree and Glob read NodeLimit;
// the agent forms read AbstractLimit; ShowHidden applies everywhere.
// Zero values mean the defaults (1000 nodes, 256 runes, hidden files
// filtered).
type ListOptions struct {
	ShowHidden    bool
	NodeLimit     int
	AbstractLimit int
}

func (o ListOptions) nodeLimit() int {
	if o.NodeLimit <= 0 {
		return defaultNodeLimit
	}
	return o.NodeLimit
}

func (o ListOptions) abstractLimit() int {
	if o.AbstractLimit <= 0 {
		return defaultAbstractLimit
	}
	return o.AbstractLimit
}

// TreeEntry is one node of a recursive listing, addressed both by URI
// and by path relative to the listing root.
type TreeEntry struct {
	URI     string    `json:"uri"`
	RelPath string    `json:"rel_path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

// AgentEntry is the compact listing row shown to agents: simplified
// modification time and, for directories, a bounded abstract.
type AgentEntry struct {
	URI      string `json:"uri"`
	RelPath  string `json:"rel_path,omitempty"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	ModTime  string `json:"mod_time"`
	Abstract string `json:"abstract,omitempty"`
}

// isAccountRoot reports whether p is /local/{account}, where listings
// must only surface the known top-level scopes.
func isAccountRoot(p string) bool {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	return len(parts) == 2 && parts[0] == "local"
}

// lsEntries lists a storage path with scope hygiene but no visibility
// filtering: hidden files stay so destructive operations can collect
// every indexed URI. At the account root only valid scopes appear;
// below it the _system subtree is held back.
func (fs *FS) lsEntries(ctx context.Context, p string) ([]blob.Entry, error) {
	entries, err := fs.store.Ls(ctx, p)
	if err != nil {
		return nil, err
	}
	atRoot := isAccountRoot(p)
	out := entries[:0]
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if atRoot {
			if !uri.ValidScopes[e.Name] {
				continue
			}
		} else if e.Name == uri.ScopeSystem {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// visible applies the listing visibility rule: directories always
// show, dotfiles only when showHidden is set.
func visible(e blob.Entry, showHidden bool) bool {
	if e.IsDir || showHidden {
		return true
	}
	return !strings.HasPrefix(e.Name, ".")
}

// Ls lists the directory at target. Hidden files are filtered, entries
// the caller may not access are dropped, and Entry.Path carries each
// child's viking:// URI.
func (fs *FS) Ls(ctx context.Context, rc identity.RequestContext, target string) (out []blob.Entry, err error) {
	started := time.Now()
	defer func() { track("ls", started, err) }()
	if err = ensureAccess(rc, target); err != nil {
		return nil, err
	}
	p := fs.path(rc, target)
	entries, err := fs.lsEntries(ctx, p)
	if err != nil {
		return nil, err
	}
	out = make([]blob.Entry, 0, len(entries))
	for _, e := range entries {
		if !visible(e, false) {
			continue
		}
		childURI := uri.FromPath(p+"/"+e.Name, rc.AccountID)
		if !accessible(rc, childURI) {
			continue
		}
		e.Path = childURI
		out = append(out, e)
	}
	return out, nil
}

// Tree lists the subtree rooted at target in depth-first order, up to
// opts.NodeLimit entries.
func (fs *FS) Tree(ctx context.Context, rc identity.RequestContext, target string, opts ListOptions) (nodes []TreeEntry, err error) {
	started := time.Now()
	defer func() { track("tree", started, err) }()
	if err = ensureAccess(rc, target); err != nil {
		return nil, err
	}
	root := fs.path(rc, target)
	limit := opts.nodeLimit()

	var walk func(p, rel string) error
	walk = func(p, rel string) error {
		entries, lsErr := fs.lsEntries(ctx, p)
		if lsErr != nil {
			return lsErr
		}
		for _, e := range entries {
			if len(nodes) >= limit {
				return nil
			}
			if !visible(e, opts.ShowHidden) {
				continue
			}
			childPath := p + "/" + e.Name
			childURI := uri.FromPath(childPath, rc.AccountID)
			if !accessible(rc, childURI) {
				continue
			}
			childRel := e.Name
			if rel != "" {
				childRel = rel + "/" + e.Name
			}
			nodes = append(nodes, TreeEntry{
				URI:     childURI,
				RelPath: childRel,
				Name:    e.Name,
				Size:    e.Size,
				ModTime: e.ModTime,
				IsDir:   e.IsDir,
			})
			if e.IsDir {
				if walkErr := walk(childPath, childRel); walkErr != nil {
					return walkErr
				}
			}
		}
		return nil
	}
	if err = walk(root, ""); err != nil {
		return nil, err
	}
	return nodes, nil
}

// LsAgent lists a directory for agent consumption: simplified times
// and prefetched directory abstracts.
func (fs *FS) LsAgent(ctx context.Context, rc identity.RequestContext, target string, opts ListOptions) ([]AgentEntry, error) {
	entries, err := fs.Ls(ctx, rc, target)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]AgentEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, AgentEntry{
			URI:     e.Path,
			Size:    e.Size,
			IsDir:   e.IsDir,
			ModTime: formatModTimeAt(e.ModTime, now),
		})
	}
	fs.prefetchAbstracts(ctx, rc, out, opts.abstractLimit())
	return out, nil
}

// TreeAgent lists a subtree for agent consumption.
func (fs *FS) TreeAgent(ctx context.Context, rc identity.RequestContext, target string, opts ListOptions) ([]AgentEntry, error) {
	nodes, err := fs.Tree(ctx, rc, target, opts)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]AgentEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, AgentEntry{
			URI:     n.URI,
			RelPath: n.RelPath,
			Size:    n.Size,
			IsDir:   n.IsDir,
			ModTime: formatModTimeAt(n.ModTime, now),
		})
	}
	fs.prefetchAbstracts(ctx, rc, out, opts.abstractLimit())
	return out, nil
}

// prefetchAbstracts fills AgentEntry.Abstract for directories, a few
// at a time. A directory whose abstract cannot be read yet reports
// that instead of failing the listing.
func (fs *FS) prefetchAbstracts(ctx context.Context, rc identity.RequestContext, entries []AgentEntry, limit int) {
	sem := make(chan struct{}, abstractPrefetchSlots)
	var wg sync.WaitGroup
	for i := range entries {
		if !entries[i].IsDir {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			abstract, err := fs.Abstract(ctx, rc, entries[i].URI)
			if err != nil {
				entries[i].Abstract = abstractNotReady
				return
			}
			entries[i].Abstract = truncateRunes(abstract, limit)
		}(i)
	}
	wg.Wait()
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

// formatModTimeAt renders t relative to now: clock time within the
// same UTC day, date otherwise.
func formatModTimeAt(t, now time.Time) string {
	t, now = t.UTC(), now.UTC()
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return t.Format("15:04:05")
	}
	return t.Format("2006-01-02")
}

// Glob returns the URIs under base whose relative path matches
// pattern. Patterns are segment-wise: * and ? stay within one path
// segment, ** spans zero or more segments, and a relative pattern may
// match any suffix of the path.
func (fs *FS) Glob(ctx context.Context, rc identity.RequestContext, pattern, base string, opts ListOptions) ([]string, error) {
	nodes, err := fs.Tree(ctx, rc, base, opts)
	if err != nil {
		return nil, err
	}
	matches := make([]string, 0)
	for _, n := range nodes {
		if matchGlob(pattern, n.RelPath) {
			matches = append(matches, uri.Join(base, n.RelPath))
		}
	}
	return matches, nil
}

func matchGlob(pattern, relPath string) bool {
	pseg := strings.Split(strings.Trim(pattern, "/"), "/")
	rseg := strings.Split(relPath, "/")
	for i := 0; i < len(rseg); i++ {
		if matchSegments(pseg, rseg[i:]) {
			return true
		}
	}
	return false
}

// matchSegments matches pattern segments against path segments, both
// consumed entirely. "**" absorbs zero or more path segments.
func matchSegments(pseg, rseg []string) bool {
	if len(pseg) == 0 {
		return len(rseg) == 0
	}
	if pseg[0] == "**" {
		for i := 0; i <= len(rseg); i++ {
			if matchSegments(pseg[1:], rseg[i:]) {
				return true
			}
		}
		return false
	}
	if len(rseg) == 0 {
		return false
	}
	ok, err := path.Match(pseg[0], rseg[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pseg[1:], rseg[1:])
}
