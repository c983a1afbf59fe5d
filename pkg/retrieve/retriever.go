package retrieve

import (
	"container/heap"
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vectorindex"
)

// Tunable retrieval constants.
const (
	// MaxConvergenceRounds stops expansion after this many rounds with
	// an unchanged full top-limit set.
	MaxConvergenceRounds = 3
	// MaxRelations bounds relation enrichment per result.
	MaxRelations = 5
	// ScorePropagationAlpha weights a child's own score against its
	// parent directory's when descending.
	ScorePropagationAlpha = 0.5
	// DirectoryDominanceRatio is how much a directory must outscore its
	// best child to be returned in its place.
	DirectoryDominanceRatio = 1.2
	// GlobalSearchTopK is how many directory nodes global seeding adds
	// to the starting points.
	GlobalSearchTopK = 3
	// HotnessAlpha weights the hotness boost in the final score.
	HotnessAlpha = 0.2
)

// Mode selects retrieval effort. Thinking reranks candidate sets when a
// reranker is configured; quick always uses raw vector scores.
type Mode string

const (
	ModeThinking Mode = "thinking"
	ModeQuick    Mode = "quick"
)

// RelationSource resolves a node's related URIs and their level-0
// abstracts. The virtual filesystem satisfies it; nil disables relation
// enrichment.
type RelationSource interface {
	Relations(ctx context.Context, rc identity.RequestContext, target string) ([]string, error)
	ReadBatch(ctx context.Context, rc identity.RequestContext, uris []string, level string) (map[string]string, error)
}

// Options parameterize one Retrieve call.
type Options struct {
	// Limit is the result count. Defaults to 5.
	Limit int
	// Mode defaults to thinking.
	Mode Mode
	// ScoreThreshold overrides the configured default when set.
	ScoreThreshold *float64
	// ScoreGTE makes the threshold inclusive.
	ScoreGTE bool
	// Scope is an extra filter (filter.Expr or wire map) ANDed into
	// every index search.
	Scope any
}

// Retriever walks the context index from typed starting points: global
// vector seeding plus context-type roots, then best-first directory
// expansion with score propagation until the top results converge.
type Retriever struct {
	index     *vectorindex.Index
	embedder  embedding.Embedder
	reranker  Reranker
	relations RelationSource
	threshold float64
	logger    *zap.Logger
}

// NewRetriever builds a retriever. embedder and reranker may be nil:
// without an embedder searches degrade to filter-only scans, without a
// reranker vector scores are used directly.
func NewRetriever(index *vectorindex.Index, embedder embedding.Embedder, reranker Reranker, cfg RerankConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reranker != nil {
		logger.Info("Reranker configured", zap.Float64("threshold", cfg.Threshold))
	} else {
		logger.Info("Rerank not configured, using vector scores only",
			zap.Float64("threshold", cfg.Threshold))
	}
	return &Retriever{
		index:     index,
		embedder:  embedder,
		reranker:  reranker,
		threshold: cfg.Threshold,
		logger:    logger,
	}
}

// SetRelationSource installs the relation resolver once the filesystem
// layer exists. Relations stay disabled until then.
func (r *Retriever) SetRelationSource(src RelationSource) { r.relations = src }

// Retrieve executes one hierarchical retrieval for a typed query.
func (r *Retriever) Retrieve(ctx context.Context, rc identity.RequestContext, query types.TypedQuery, opts Options) (types.QueryResult, error) {
	started := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeThinking
	}

	ctx, span := tracing.StartSpan(ctx, "retrieve "+string(mode))
	defer span.End()

	threshold := r.threshold
	if opts.ScoreThreshold != nil {
		threshold = *opts.ScoreThreshold
	}

	var targetDirs []string
	for _, d := range query.TargetDirectories {
		if d != "" {
			targetDirs = append(targetDirs, d)
		}
	}

	if !r.index.CollectionExists(ctx) {
		r.logger.Warn("Collection does not exist, returning empty result",
			zap.String("collection", r.index.CollectionName()))
		return types.QueryResult{
			Query:               query,
			MatchedContexts:     []types.MatchedContext{},
			SearchedDirectories: []string{},
		}, nil
	}

	// Embed the query once; every search in this retrieval reuses it.
	var dense []float32
	var sparse map[string]float32
	if r.embedder != nil {
		res, err := r.embedder.Embed(ctx, query.Query)
		if err != nil {
			metrics.RecordRetrieval(string(mode), "error", time.Since(started).Seconds(), 0)
			return types.QueryResult{}, err
		}
		dense, sparse = res.Dense, res.Sparse
	}

	rootURIs := targetDirs
	if len(rootURIs) == 0 {
		rootURIs = rootURIsForType(query.ContextType, rc)
	}

	globalHits, err := r.index.SearchGlobalRootsInTenant(ctx, rc, vectorindex.TenantSearchOptions{
		Vector:            dense,
		SparseVector:      sparse,
		ContextType:       string(query.ContextType),
		TargetDirectories: targetDirs,
		Extra:             opts.Scope,
		Limit:             GlobalSearchTopK,
	})
	if err != nil {
		metrics.RecordRetrieval(string(mode), "error", time.Since(started).Seconds(), 0)
		return types.QueryResult{}, err
	}

	starts := r.mergeStartingPoints(ctx, query.Query, rootURIs, globalHits, mode)

	cands, expansions, err := r.recursiveSearch(ctx, rc, searchParams{
		query:       query.Query,
		dense:       dense,
		sparse:      sparse,
		starts:      starts,
		limit:       limit,
		mode:        mode,
		threshold:   threshold,
		gte:         opts.ScoreGTE,
		contextType: string(query.ContextType),
		targetDirs:  targetDirs,
		scope:       opts.Scope,
	})
	if err != nil {
		metrics.RecordRetrieval(string(mode), "error", time.Since(started).Seconds(), expansions)
		return types.QueryResult{}, err
	}

	matched := r.convert(ctx, rc, cands)
	if len(matched) > limit {
		matched = matched[:limit]
	}

	metrics.RecordRetrieval(string(mode), "success", time.Since(started).Seconds(), expansions)
	return types.QueryResult{
		Query:               query,
		MatchedContexts:     matched,
		SearchedDirectories: rootURIs,
	}, nil
}

// scoredURI is one heap entry; order breaks score ties by insertion.
type scoredURI struct {
	uri   string
	score float64
	order int
}

type uriHeap []scoredURI

func (h uriHeap) Len() int { return len(h) }
func (h uriHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].order < h[j].order
}
func (h uriHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *uriHeap) Push(x any)   { *h = append(*h, x.(scoredURI)) }
func (h *uriHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type candidate struct {
	rec   vectordb.Record
	score float64
}

type searchParams struct {
	query       string
	dense       []float32
	sparse      map[string]float32
	starts      []scoredURI
	limit       int
	mode        Mode
	threshold   float64
	gte         bool
	contextType string
	targetDirs  []string
	scope       any
}

// recursiveSearch expands directories best-first, collecting every
// threshold-passing descendant, until the heap drains or the top-limit
// set stops changing. Returns the kept candidates and the number of
// directories expanded.
func (r *Retriever) recursiveSearch(ctx context.Context, rc identity.RequestContext, p searchParams) ([]candidate, int, error) {
	var (
		collected  []candidate
		seen       = map[string]bool{}
		visited    = map[string]bool{}
		h          = &uriHeap{}
		order      int
		prevTopK   map[string]bool
		rounds     int
		expansions int
	)

	for _, s := range p.starts {
		s.order = order
		order++
		heap.Push(h, s)
	}

	preLimit := p.limit * 2
	if preLimit < 20 {
		preLimit = 20
	}

	for h.Len() > 0 {
		cur := heap.Pop(h).(scoredURI)
		if visited[cur.uri] {
			continue
		}
		visited[cur.uri] = true
		expansions++
		r.logger.Debug("Expanding directory",
			zap.String("uri", cur.uri),
			zap.Float64("score", cur.score))

		children, err := r.index.SearchChildrenInTenant(ctx, rc, cur.uri, vectorindex.TenantSearchOptions{
			Vector:            p.dense,
			SparseVector:      p.sparse,
			ContextType:       p.contextType,
			TargetDirectories: p.targetDirs,
			Extra:             p.scope,
			Limit:             preLimit,
		})
		if err != nil {
			return nil, expansions, err
		}
		if len(children) == 0 {
			continue
		}

		scores := r.scoreRecords(ctx, p.query, children, p.mode)
		for i, rec := range children {
			childURI := stringValue(rec["uri"])
			if childURI == "" {
				continue
			}
			final := scores[i]
			if cur.score != 0 {
				final = ScorePropagationAlpha*scores[i] + (1-ScorePropagationAlpha)*cur.score
			}
			if !passes(final, p.threshold, p.gte) {
				continue
			}

			// Collect everything that passes, even URIs already used
			// as starting points; visited only gates re-expansion.
			if !seen[childURI] {
				seen[childURI] = true
				collected = append(collected, candidate{rec: rec, score: final})
			}
			if !visited[childURI] {
				if levelOf(rec) == types.LevelDetail {
					visited[childURI] = true
				} else {
					heap.Push(h, scoredURI{uri: childURI, score: final, order: order})
					order++
				}
			}
		}

		topK := topKSet(collected, p.limit)
		if setsEqual(topK, prevTopK) && len(topK) >= p.limit {
			rounds++
			if rounds >= MaxConvergenceRounds {
				break
			}
		} else {
			rounds = 0
			prevTopK = topK
		}
	}

	sort.SliceStable(collected, func(i, j int) bool { return collected[i].score > collected[j].score })
	if len(collected) > p.limit {
		collected = collected[:p.limit]
	}
	return collected, expansions, nil
}

// mergeStartingPoints combines global seeding hits (with their scores)
// and the root URIs (score zero), deduplicated in that order.
func (r *Retriever) mergeStartingPoints(ctx context.Context, query string, rootURIs []string, globalHits []vectordb.Record, mode Mode) []scoredURI {
	points := make([]scoredURI, 0, len(globalHits)+len(rootURIs))
	seen := make(map[string]bool, len(globalHits)+len(rootURIs))

	scores := r.scoreRecords(ctx, query, globalHits, mode)
	for i, rec := range globalHits {
		u := stringValue(rec["uri"])
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		points = append(points, scoredURI{uri: u, score: scores[i]})
	}
	for _, u := range rootURIs {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		points = append(points, scoredURI{uri: u})
	}
	return points
}

// scoreRecords returns one relevance score per record: reranker scores
// in thinking mode when configured, vector scores otherwise or when the
// reranker misbehaves.
func (r *Retriever) scoreRecords(ctx context.Context, query string, recs []vectordb.Record, mode Mode) []float64 {
	if len(recs) == 0 {
		return nil
	}
	if r.reranker != nil && mode == ModeThinking {
		docs := make([]string, len(recs))
		for i, rec := range recs {
			docs[i] = stringValue(rec["abstract"])
		}
		scores, err := r.reranker.Rerank(ctx, query, docs)
		if err == nil && len(scores) == len(recs) {
			return scores
		}
		r.logger.Warn("Rerank failed, using vector scores", zap.Error(err))
	}
	out := make([]float64, len(recs))
	for i, rec := range recs {
		out[i] = floatValue(rec[vectordb.ScoreField])
	}
	return out
}

// convert blends each candidate's semantic score with its hotness,
// attaches relations, and resorts by the blended score.
func (r *Retriever) convert(ctx context.Context, rc identity.RequestContext, cands []candidate) []types.MatchedContext {
	now := time.Now().UTC()
	out := make([]types.MatchedContext, 0, len(cands))
	for _, c := range cands {
		u := stringValue(c.rec["uri"])
		hot := hotnessScoreAt(intValue(c.rec["active_count"]), stringValue(c.rec["updated_at"]), now)
		out = append(out, types.MatchedContext{
			URI:         u,
			ContextType: contextTypeOf(c.rec),
			Level:       levelOf(c.rec),
			Abstract:    stringValue(c.rec["abstract"]),
			Category:    stringValue(c.rec["category"]),
			Score:       (1-HotnessAlpha)*c.score + HotnessAlpha*hot,
			Relations:   r.relationsFor(ctx, rc, u),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// relationsFor loads up to MaxRelations related URIs with their level-0
// abstracts. Enrichment is best-effort; failures only log.
func (r *Retriever) relationsFor(ctx context.Context, rc identity.RequestContext, target string) []types.RelatedContext {
	if r.relations == nil || target == "" {
		return nil
	}
	uris, err := r.relations.Relations(ctx, rc, target)
	if err != nil {
		r.logger.Debug("Relation lookup failed", zap.String("uri", target), zap.Error(err))
		return nil
	}
	if len(uris) == 0 {
		return nil
	}
	if len(uris) > MaxRelations {
		uris = uris[:MaxRelations]
	}
	abstracts, err := r.relations.ReadBatch(ctx, rc, uris, "l0")
	if err != nil {
		r.logger.Debug("Relation abstracts read failed", zap.String("uri", target), zap.Error(err))
		return nil
	}
	var out []types.RelatedContext
	for _, u := range uris {
		if a := abstracts[u]; a != "" {
			out = append(out, types.RelatedContext{URI: u, Abstract: a})
		}
	}
	return out
}

// rootURIsForType derives the default expansion roots from the query's
// context type and the caller's spaces. Root has no spaces of its own
// and relies on global seeding alone.
func rootURIsForType(contextType types.ContextType, rc identity.RequestContext) []string {
	if rc.IsRoot() {
		return nil
	}
	userMemories := uri.Join(uri.Scheme+uri.ScopeUser, rc.UserSpace, "memories")
	agentMemories := uri.Join(uri.Scheme+uri.ScopeAgent, rc.AgentSpace, "memories")
	resources := uri.Scheme + uri.ScopeResources
	skills := uri.Join(uri.Scheme+uri.ScopeAgent, rc.AgentSpace, "skills")

	switch contextType {
	case types.ContextTypeMemory:
		return []string{userMemories, agentMemories}
	case types.ContextTypeResource:
		return []string{resources}
	case types.ContextTypeSkill:
		return []string{skills}
	}
	return []string{userMemories, agentMemories, resources, skills}
}

func passes(score, threshold float64, gte bool) bool {
	if gte {
		return score >= threshold
	}
	return score > threshold
}

func topKSet(cands []candidate, limit int) map[string]bool {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make(map[string]bool, len(sorted))
	for _, c := range sorted {
		out[stringValue(c.rec["uri"])] = true
	}
	return out
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func contextTypeOf(rec vectordb.Record) types.ContextType {
	if s := stringValue(rec["context_type"]); s != "" {
		return types.ContextType(s)
	}
	return types.ContextTypeResource
}

func levelOf(rec vectordb.Record) types.ContextLevel {
	if v, ok := rec["level"]; ok {
		return types.ContextLevel(intValue(v))
	}
	return types.LevelDetail
}
