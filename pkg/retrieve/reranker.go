package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Reranker scores candidate documents against a query, one score per
// document in input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// RerankConfig configures the HTTP reranker and the retriever's default
// score threshold.
type RerankConfig struct {
	// BaseURL of the rerank service. Empty disables reranking.
	BaseURL string
	// Model name sent with every request.
	Model string
	// Timeout per request. Defaults to 10s.
	Timeout time.Duration
	// Threshold is the default retrieval score cutoff.
	Threshold float64
}

// Available reports whether the config points at a real service.
func (c RerankConfig) Available() bool { return c.BaseURL != "" }

func (c RerankConfig) withDefaults() RerankConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// HTTPReranker calls a rerank HTTP service behind a circuit breaker.
type HTTPReranker struct {
	cfg  RerankConfig
	http *circuitbreaker.HTTPWrapper
}

// NewHTTPReranker builds the client. logger may be nil.
func NewHTTPReranker(cfg RerankConfig, logger *zap.Logger) *HTTPReranker {
	cfg = cfg.withDefaults()
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &HTTPReranker{
		cfg:  cfg,
		http: circuitbreaker.NewHTTPWrapper(httpClient, "rerank", "rerank-service", logger),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Scores    []float64 `json:"scores"`
	ModelUsed string    `json:"model_used"`
}

// Rerank scores documents against the query.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	buf, err := json.Marshal(rerankRequest{Query: query, Documents: documents, Model: r.cfg.Model})
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnknown, err, "marshal rerank request")
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, r.cfg.BaseURL+"/rerank/")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/rerank/", bytes.NewReader(buf))
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnknown, err, "build rerank request")
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "call rerank service")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, vkerr.New(vkerr.KindUnavailable, "rerank service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "decode rerank response")
	}
	if len(out.Scores) != len(documents) {
		return nil, vkerr.New(vkerr.KindUnavailable,
			"rerank service returned %d scores for %d documents", len(out.Scores), len(documents))
	}
	return out.Scores, nil
}
