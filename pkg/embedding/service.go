package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Entries promoted from Redis into the LRU keep this shorter TTL so a
// stale Redis flush cannot pin vectors in memory for the full CacheTTL.
const localCacheTTL = 30 * time.Minute

// Service is the HTTP-backed Embedder with LRU and Redis cache tiers in
// front. Lookup order is LRU, Redis, then the endpoint; hits from lower
// tiers backfill the tiers above.
type Service struct {
	cfg     Config
	http    *circuitbreaker.HTTPWrapper
	cache   Cache
	lru     *LocalLRU
	limiter *rate.Limiter
}

// New builds the service client. cache is the optional second tier and
// may be nil; see NewRedisCache.
func New(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	var limiter *rate.Limiter
	if cfg.MaxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), cfg.Burst)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Service{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(httpClient, "embedding", "embedding-service", logger),
		cache:   cache,
		lru:     NewLocalLRU(cfg.MaxLRU),
		limiter: limiter,
	}
}

// Dimension returns the configured dense vector width.
func (s *Service) Dimension() int { return s.cfg.Dimension }

type embedRequest struct {
	Texts        []string `json:"texts"`
	Model        string   `json:"model"`
	ReturnSparse bool     `json:"return_sparse,omitempty"`
}

type embedResponse struct {
	Embeddings       [][]float64          `json:"embeddings"`
	SparseEmbeddings []map[string]float64 `json:"sparse_embeddings,omitempty"`
	Dimensions       int                  `json:"dimensions"`
	ModelUsed        string               `json:"model_used"`
}

// Embed returns the vectors for a single text.
func (s *Service) Embed(ctx context.Context, text string) (Result, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	return out[0], nil
}

// EmbedBatch returns vectors for texts in order. Cached texts are
// served locally; only the misses go to the endpoint, in one request.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return []Result{}, nil
	}

	results := make([]Result, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		key := MakeKey(s.cfg.Model, text)
		if r, ok := s.lru.Get(ctx, key); ok {
			metrics.EmbeddingCacheHits.Inc()
			results[i] = r
			continue
		}
		if s.cache != nil {
			if r, ok := s.cache.Get(ctx, key); ok {
				metrics.EmbeddingCacheHits.Inc()
				s.lru.Set(ctx, key, r, localCacheTTL)
				results[i] = r
				continue
			}
		}
		metrics.EmbeddingCacheMisses.Inc()
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	fetched, err := s.fetch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, r := range fetched {
		results[missIdx[i]] = r
		key := MakeKey(s.cfg.Model, missTexts[i])
		s.lru.Set(ctx, key, r, localCacheTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, r, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (s *Service) fetch(ctx context.Context, texts []string) (res []Result, err error) {
	started := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordEmbedding(s.cfg.Model, status, time.Since(started).Seconds())
	}()

	payload := embedRequest{Texts: texts, Model: s.cfg.Model, ReturnSparse: s.cfg.ReturnSparse}
	buf, _ := json.Marshal(payload)

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, s.cfg.BaseURL+"/embeddings/")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/embeddings/", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "embedding request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, vkerr.New(vkerr.KindUnavailable, "embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "decode embedding response")
	}
	if len(er.Embeddings) != len(texts) {
		return nil, vkerr.New(vkerr.KindUnavailable,
			"embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([]Result, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		dense := make([]float32, len(emb))
		for j, f := range emb {
			dense[j] = float32(f)
		}
		out[i] = Result{Dense: dense}
		if i < len(er.SparseEmbeddings) && len(er.SparseEmbeddings[i]) > 0 {
			sp := make(map[string]float32, len(er.SparseEmbeddings[i]))
			for tok, w := range er.SparseEmbeddings[i] {
				sp[tok] = float32(w)
			}
			out[i].Sparse = sp
		}
	}
	return out, nil
}
