package vikingfs

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/retrieve"
	"github.com/openviking/openviking-go/pkg/semantic"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// FindOptions scopes a Find call. Target narrows the search to one
// subtree and fixes the context type inferred from it. Zero Limit uses
// the retriever's default.
type FindOptions struct {
	Target         string
	Limit          int
	Mode           retrieve.Mode
	ScoreThreshold *float64
	Scope          any
}

// SessionInfo is the conversational context a Search call can carry
// for query planning.
type SessionInfo struct {
	Summary  string
	Messages []semantic.ChatMessage
}

// SearchOptions scopes a Search call.
type SearchOptions struct {
	Target         string
	Session        *SessionInfo
	Limit          int
	Mode           retrieve.Mode
	ScoreThreshold *float64
	Scope          any
}

// Find runs a single retrieval for query and buckets the hits by
// context type. A target URI narrows the search to that subtree.
func (fs *FS) Find(ctx context.Context, rc identity.RequestContext, query string, opts FindOptions) (out types.FindResult, err error) {
	started := time.Now()
	defer func() { track("find", started, err) }()
	if fs.retriever == nil {
		return out, vkerr.New(vkerr.KindUnavailable, "retriever not configured")
	}
	if opts.Target != "" {
		if err = ensureAccess(rc, opts.Target); err != nil {
			return out, err
		}
	}
	tq := types.TypedQuery{
		Query:       query,
		ContextType: types.InferContextType(opts.Target),
	}
	if opts.Target != "" {
		tq.TargetDirectories = []string{opts.Target}
	}
	res, err := fs.retriever.Retrieve(ctx, rc, tq, retrieve.Options{
		Limit:          opts.Limit,
		Mode:           opts.Mode,
		ScoreThreshold: opts.ScoreThreshold,
		Scope:          opts.Scope,
	})
	if err != nil {
		return out, err
	}
	for _, m := range res.MatchedContexts {
		out.Add(m)
	}
	return out, nil
}

// Search retrieves for query across context types. With session
// context and an intent analyzer the queries come from an LLM query
// plan; otherwise a target's inferred type yields one query and no
// target fans out across memory, resource, and skill.
func (fs *FS) Search(ctx context.Context, rc identity.RequestContext, query string, opts SearchOptions) (out types.FindResult, err error) {
	started := time.Now()
	defer func() { track("search", started, err) }()
	if fs.retriever == nil {
		return out, vkerr.New(vkerr.KindUnavailable, "retriever not configured")
	}
	if opts.Target != "" {
		if err = ensureAccess(rc, opts.Target); err != nil {
			return out, err
		}
	}
	targetType := types.InferContextType(opts.Target)

	var plan *types.QueryPlan
	var queries []types.TypedQuery
	switch {
	case fs.intent != nil && opts.Session != nil && (opts.Session.Summary != "" || len(opts.Session.Messages) > 0):
		targetAbstract := ""
		if opts.Target != "" {
			targetAbstract, _ = fs.Abstract(ctx, rc, opts.Target)
		}
		p := fs.intent.Analyze(ctx, query, semantic.IntentContext{
			Summary:        opts.Session.Summary,
			Recent:         opts.Session.Messages,
			TargetType:     targetType,
			TargetAbstract: targetAbstract,
		})
		plan = &p
		queries = p.Queries
	case targetType != "":
		queries = []types.TypedQuery{{Query: query, ContextType: targetType, Priority: 1}}
	default:
		queries = []types.TypedQuery{
			{Query: query, ContextType: types.ContextTypeMemory, Priority: 1},
			{Query: query, ContextType: types.ContextTypeResource, Priority: 1},
			{Query: query, ContextType: types.ContextTypeSkill, Priority: 1},
		}
	}
	if opts.Target != "" {
		for i := range queries {
			queries[i].TargetDirectories = []string{opts.Target}
		}
	}

	results := make([]types.QueryResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			res, retErr := fs.retriever.Retrieve(gctx, rc, q, retrieve.Options{
				Limit:          opts.Limit,
				Mode:           opts.Mode,
				ScoreThreshold: opts.ScoreThreshold,
				Scope:          opts.Scope,
			})
			if retErr != nil {
				return retErr
			}
			results[i] = res
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return out, err
	}

	out.QueryPlan = plan
	out.Results = results
	for _, res := range results {
		for _, m := range res.MatchedContexts {
			out.Add(m)
		}
	}
	return out, nil
}
