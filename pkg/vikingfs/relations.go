package vikingfs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// RelationEntry is one row of a context's relation table, stored as
// .relations.json inside the context directory.
type RelationEntry struct {
	ID        string   `json:"id"`
	URIs      []string `json:"uris"`
	Reason    string   `json:"reason"`
	CreatedAt string   `json:"created_at"`
}

// RelationRef is a related URI with the reason it was linked.
type RelationRef struct {
	URI    string `json:"uri"`
	Reason string `json:"reason"`
}

// RelationContent is a related URI with its requested summary levels.
type RelationContent struct {
	URI      string `json:"uri"`
	Abstract string `json:"abstract,omitempty"`
	Overview string `json:"overview,omitempty"`
}

const maxRelationID = 10000

func (fs *FS) readRelationTable(ctx context.Context, rc identity.RequestContext, u string) []RelationEntry {
	text, err := fs.ReadFile(ctx, rc, uri.Join(u, types.RelationsFileName))
	if err != nil {
		return nil
	}
	var entries []RelationEntry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		fs.logger.Warn("Malformed relation table", zap.String("uri", u), zap.Error(err))
		return nil
	}
	return entries
}

func (fs *FS) writeRelationTable(ctx context.Context, rc identity.RequestContext, u string, entries []RelationEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return vkerr.Wrap(vkerr.KindSchemaError, err, "encode relation table")
	}
	return fs.Write(ctx, rc, uri.Join(u, types.RelationsFileName), data)
}

// Link records that the context at from relates to uris, under the
// smallest free link_{n} identifier.
func (fs *FS) Link(ctx context.Context, rc identity.RequestContext, from string, uris []string, reason string) error {
	if err := ensureAccess(rc, from); err != nil {
		return err
	}
	if len(uris) == 0 {
		return vkerr.New(vkerr.KindInvalidArgument, "link needs at least one target URI")
	}
	for _, u := range uris {
		if err := uri.Validate(u); err != nil {
			return err
		}
	}
	entries := fs.readRelationTable(ctx, rc, from)
	used := make(map[string]bool, len(entries))
	for _, e := range entries {
		used[e.ID] = true
	}
	id := ""
	for i := 1; i < maxRelationID; i++ {
		candidate := fmt.Sprintf("link_%d", i)
		if !used[candidate] {
			id = candidate
			break
		}
	}
	if id == "" {
		return vkerr.New(vkerr.KindInvalidArgument, "relation table full for %s", from)
	}
	entries = append(entries, RelationEntry{
		ID:        id,
		URIs:      uris,
		Reason:    reason,
		CreatedAt: types.NowTimestamp(),
	})
	return fs.writeRelationTable(ctx, rc, from, entries)
}

// Unlink removes target from the relation table of from. Entries left
// without URIs are dropped. A target that was never linked is a no-op.
func (fs *FS) Unlink(ctx context.Context, rc identity.RequestContext, from, target string) error {
	if err := ensureAccess(rc, from); err != nil {
		return err
	}
	entries := fs.readRelationTable(ctx, rc, from)
	found := false
	out := entries[:0]
	for _, e := range entries {
		kept := e.URIs[:0]
		for _, u := range e.URIs {
			if u == target {
				found = true
				continue
			}
			kept = append(kept, u)
		}
		e.URIs = kept
		if len(e.URIs) > 0 {
			out = append(out, e)
		}
	}
	if !found {
		fs.logger.Warn("Unlink target not linked",
			zap.String("uri", from),
			zap.String("target", target))
		return nil
	}
	return fs.writeRelationTable(ctx, rc, from, out)
}

// RelationTable returns the raw relation entries of the context at u.
func (fs *FS) RelationTable(ctx context.Context, rc identity.RequestContext, u string) ([]RelationEntry, error) {
	if err := ensureAccess(rc, u); err != nil {
		return nil, err
	}
	return fs.readRelationTable(ctx, rc, u), nil
}

// RelationRefs returns the related URIs of u with their link reasons,
// filtered to what the caller may access.
func (fs *FS) RelationRefs(ctx context.Context, rc identity.RequestContext, u string) ([]RelationRef, error) {
	if err := ensureAccess(rc, u); err != nil {
		return nil, err
	}
	refs := make([]RelationRef, 0)
	for _, e := range fs.readRelationTable(ctx, rc, u) {
		for _, target := range e.URIs {
			if !accessible(rc, target) {
				continue
			}
			refs = append(refs, RelationRef{URI: target, Reason: e.Reason})
		}
	}
	return refs, nil
}

// Relations returns the flat list of related URIs the caller may
// access.
func (fs *FS) Relations(ctx context.Context, rc identity.RequestContext, target string) ([]string, error) {
	refs, err := fs.RelationRefs(ctx, rc, target)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(refs))
	for _, r := range refs {
		uris = append(uris, r.URI)
	}
	return uris, nil
}

// ReadBatch returns the summary at the given level for each URI that
// has one. Level "l0" reads abstracts, "l1" overviews. URIs without a
// readable summary are left out.
func (fs *FS) ReadBatch(ctx context.Context, rc identity.RequestContext, uris []string, level string) (map[string]string, error) {
	var read func(context.Context, identity.RequestContext, string) (string, error)
	switch level {
	case "l0":
		read = fs.Abstract
	case "l1":
		read = fs.Overview
	default:
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unknown summary level %q", level)
	}
	out := make(map[string]string, len(uris))
	for _, u := range uris {
		content, err := read(ctx, rc, u)
		if err != nil {
			continue
		}
		out[u] = content
	}
	return out, nil
}

// RelationsWithContent returns the related URIs of u together with the
// requested summary levels.
func (fs *FS) RelationsWithContent(ctx context.Context, rc identity.RequestContext, u string, includeL0, includeL1 bool) ([]RelationContent, error) {
	uris, err := fs.Relations(ctx, rc, u)
	if err != nil {
		return nil, err
	}
	var abstracts, overviews map[string]string
	if includeL0 {
		if abstracts, err = fs.ReadBatch(ctx, rc, uris, "l0"); err != nil {
			return nil, err
		}
	}
	if includeL1 {
		if overviews, err = fs.ReadBatch(ctx, rc, uris, "l1"); err != nil {
			return nil, err
		}
	}
	out := make([]RelationContent, 0, len(uris))
	for _, target := range uris {
		out = append(out, RelationContent{
			URI:      target,
			Abstract: abstracts[target],
			Overview: overviews[target],
		})
	}
	return out, nil
}
