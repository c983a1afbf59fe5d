package vectorindex

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/filter"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// TenantSearchOptions parameterize the scope-filtered searches.
type TenantSearchOptions struct {
	Vector       []float32
	SparseVector map[string]float32

	// ContextType narrows to one of resource/memory/skill when set.
	ContextType string

	// TargetDirectories restricts matches to the given URI subtrees
	// (each directory matches itself and its descendants).
	TargetDirectories []string

	// Extra is an additional filter.Expr, or a pre-compiled wire map,
	// ANDed into the scope.
	Extra any

	Limit  int
	Offset int
}

// search runs one similarity query and records the search metrics.
// Filter-only fetches go through the adapter directly.
func (ix *Index) search(ctx context.Context, opts vectordb.QueryOptions) ([]vectordb.Record, error) {
	started := time.Now()
	records, err := ix.adapter.Query(ctx, opts)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordVectorSearch(ix.CollectionName(), status, time.Since(started).Seconds())
	return records, err
}

// SearchInTenant runs a similarity search confined to the caller's
// visibility: root sees everything, users see their account's records
// in their own user/agent spaces plus shared ones.
func (ix *Index) SearchInTenant(ctx context.Context, rc identity.RequestContext, opts TenantSearchOptions) ([]vectordb.Record, error) {
	scope, err := scopeFilter(rc, opts)
	if err != nil {
		return nil, err
	}
	return ix.search(ctx, vectordb.QueryOptions{
		Vector:       opts.Vector,
		SparseVector: opts.SparseVector,
		Filter:       scope,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	})
}

// SearchGlobalRootsInTenant searches only directory nodes (levels 0
// and 1) inside the caller's scope. Requires a query vector.
func (ix *Index) SearchGlobalRootsInTenant(ctx context.Context, rc identity.RequestContext, opts TenantSearchOptions) ([]vectordb.Record, error) {
	if len(opts.Vector) == 0 {
		return nil, nil
	}
	scope, err := scopeFilter(rc, opts)
	if err != nil {
		return nil, err
	}
	merged := mergeConds(compact(scope, filter.In{Field: "level", Values: []any{0, 1}}))
	return ix.search(ctx, vectordb.QueryOptions{
		Vector:       opts.Vector,
		SparseVector: opts.SparseVector,
		Filter:       merged,
		Limit:        opts.Limit,
	})
}

// SearchChildrenInTenant ranks the direct children of a directory node
// inside the caller's scope.
func (ix *Index) SearchChildrenInTenant(ctx context.Context, rc identity.RequestContext, parentURI string, opts TenantSearchOptions) ([]vectordb.Record, error) {
	scope, err := scopeFilter(rc, opts)
	if err != nil {
		return nil, err
	}
	merged := mergeConds(compact(filter.Eq{Field: "parent_uri", Value: parentURI}, scope))
	return ix.search(ctx, vectordb.QueryOptions{
		Vector:       opts.Vector,
		SparseVector: opts.SparseVector,
		Filter:       merged,
		Limit:        opts.Limit,
	})
}

// SearchSimilarMemories finds detail-level memory records near a vector
// inside one account, optionally pinned to an owner space and a memory
// category subtree. Used for dedup before inserting new memories.
func (ix *Index) SearchSimilarMemories(ctx context.Context, accountID, ownerSpace, categoryPrefix string, vector []float32, limit int) ([]vectordb.Record, error) {
	if limit <= 0 {
		limit = 5
	}
	conds := []filter.Expr{
		filter.Eq{Field: "context_type", Value: string(types.ContextTypeMemory)},
		filter.Eq{Field: "level", Value: 2},
		filter.Eq{Field: "account_id", Value: accountID},
	}
	if ownerSpace != "" {
		conds = append(conds, filter.Eq{Field: "owner_space", Value: ownerSpace})
	}
	if categoryPrefix != "" {
		conds = append(conds, filter.Prefix{Field: "uri", Value: categoryPrefix})
	}
	return ix.search(ctx, vectordb.QueryOptions{
		Vector: vector,
		Filter: filter.And{Conds: conds},
		Limit:  limit,
	})
}

// GetContextByURI fetches the records at a URI within one account,
// optionally pinned to an owner space.
func (ix *Index) GetContextByURI(ctx context.Context, accountID, u, ownerSpace string, limit int) ([]vectordb.Record, error) {
	if limit <= 0 {
		limit = 1
	}
	conds := []filter.Expr{
		filter.Eq{Field: "uri", Value: u},
		filter.Eq{Field: "account_id", Value: accountID},
	}
	if ownerSpace != "" {
		conds = append(conds, filter.Eq{Field: "owner_space", Value: ownerSpace})
	}
	return ix.adapter.Query(ctx, vectordb.QueryOptions{
		Filter: filter.And{Conds: conds},
		Limit:  limit,
	})
}

// DeleteAccountData removes every record belonging to an account.
func (ix *Index) DeleteAccountData(ctx context.Context, accountID string) (int, error) {
	deleted, err := ix.adapter.Delete(ctx, vectordb.DeleteOptions{
		Filter: filter.Eq{Field: "account_id", Value: accountID},
	})
	if err != nil {
		return deleted, err
	}
	ix.logger.Info("Deleted account data",
		zap.String("account_id", accountID),
		zap.Int("records", deleted))
	return deleted, nil
}

// DeleteURIs removes each URI and its subtree within the caller's
// account. Non-root callers deleting under user/ or agent/ are pinned
// to their own owner space so they cannot reach sibling spaces.
func (ix *Index) DeleteURIs(ctx context.Context, rc identity.RequestContext, uris []string) (int, error) {
	total := 0
	for _, u := range uris {
		conds := []filter.Expr{
			filter.Eq{Field: "account_id", Value: rc.AccountID},
			filter.Or{Conds: []filter.Expr{
				filter.Eq{Field: "uri", Value: u},
				filter.Prefix{Field: "uri", Value: u + "/"},
			}},
		}
		if rc.Role == identity.RoleUser {
			switch {
			case strings.HasPrefix(u, uri.Scheme+uri.ScopeUser+"/"):
				conds = append(conds, filter.Eq{Field: "owner_space", Value: rc.UserSpace})
			case strings.HasPrefix(u, uri.Scheme+uri.ScopeAgent+"/"):
				conds = append(conds, filter.Eq{Field: "owner_space", Value: rc.AgentSpace})
			}
		}
		deleted, err := ix.adapter.Delete(ctx, vectordb.DeleteOptions{
			Filter: filter.And{Conds: conds},
		})
		total += deleted
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// UpdateURIMapping rewrites the uri and parent_uri of the record stored
// at oldURI, keeping its id and vectors. Returns false when there is
// nothing to move.
func (ix *Index) UpdateURIMapping(ctx context.Context, rc identity.RequestContext, oldURI, newURI, newParentURI string) (bool, error) {
	records, err := ix.adapter.Query(ctx, vectordb.QueryOptions{
		Filter: filter.And{Conds: []filter.Expr{
			filter.Eq{Field: "uri", Value: oldURI},
			filter.Eq{Field: "account_id", Value: rc.AccountID},
		}},
		Limit:      1,
		WithVector: true,
	})
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	rec := records[0]
	if id, _ := rec["id"].(string); id == "" {
		return false, nil
	}
	updated := make(vectordb.Record, len(rec))
	for k, v := range rec {
		updated[k] = v
	}
	updated["uri"] = newURI
	updated["parent_uri"] = newParentURI
	id, err := ix.Upsert(ctx, updated)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// IncrementActiveCount bumps the usage counter on each URI's record in
// the caller's account and returns how many records were updated.
func (ix *Index) IncrementActiveCount(ctx context.Context, rc identity.RequestContext, uris []string) (int, error) {
	updated := 0
	for _, u := range uris {
		records, err := ix.adapter.Query(ctx, vectordb.QueryOptions{
			Filter: filter.And{Conds: []filter.Expr{
				filter.Eq{Field: "uri", Value: u},
				filter.Eq{Field: "account_id", Value: rc.AccountID},
			}},
			Limit:      1,
			WithVector: true,
		})
		if err != nil {
			return updated, err
		}
		if len(records) == 0 {
			continue
		}
		rec := make(vectordb.Record, len(records[0])+1)
		for k, v := range records[0] {
			rec[k] = v
		}
		rec["active_count"] = intValue(rec["active_count"]) + 1
		id, err := ix.Upsert(ctx, rec)
		if err != nil {
			return updated, err
		}
		if id != "" {
			updated++
		}
	}
	return updated, nil
}

// scopeFilter builds the visibility filter for one search: context
// type, tenant boundary, target directory subtrees, and any extra
// conditions, ANDed together.
func scopeFilter(rc identity.RequestContext, opts TenantSearchOptions) (filter.Expr, error) {
	var conds []filter.Expr
	if opts.ContextType != "" {
		conds = append(conds, filter.Eq{Field: "context_type", Value: opts.ContextType})
	}
	if tf := tenantFilter(rc); tf != nil {
		conds = append(conds, tf)
	}
	var dirs []filter.Expr
	for _, dir := range opts.TargetDirectories {
		if dir == "" {
			continue
		}
		dirs = append(dirs, filter.Prefix{Field: "uri", Value: dir})
	}
	if len(dirs) > 0 {
		conds = append(conds, filter.Or{Conds: dirs})
	}
	if opts.Extra != nil {
		extra, err := extraExpr(opts.Extra)
		if err != nil {
			return nil, err
		}
		conds = append(conds, extra)
	}
	return mergeConds(conds), nil
}

// tenantFilter bounds a search to the caller's account and owner
// spaces. Root bypasses it entirely. The empty owner space is always
// visible so shared resources surface for every caller in the account.
func tenantFilter(rc identity.RequestContext) filter.Expr {
	if rc.IsRoot() {
		return nil
	}
	return filter.And{Conds: []filter.Expr{
		filter.Eq{Field: "account_id", Value: rc.AccountID},
		filter.In{Field: "owner_space", Values: filter.Strings(rc.OwnerSpaces()...)},
	}}
}

func extraExpr(extra any) (filter.Expr, error) {
	switch v := extra.(type) {
	case filter.Expr:
		return v, nil
	case map[string]any:
		return filter.RawDSL{Payload: v}, nil
	default:
		return nil, vkerr.New(vkerr.KindInvalidArgument, "unsupported extra filter type %T", extra)
	}
}

func mergeConds(conds []filter.Expr) filter.Expr {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	}
	return filter.And{Conds: conds}
}

func compact(exprs ...filter.Expr) []filter.Expr {
	out := make([]filter.Expr, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
