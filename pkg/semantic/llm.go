// Package semantic turns raw subtrees into the three-tier context index:
// per-file summaries, per-directory overviews and abstracts, and the
// embedding enqueues that make them searchable. It also houses intent
// analysis, which shares the same completion client.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// CompletionRequest is one call to the completion backend.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// LLM produces free-form text for summarization and intent analysis.
// Implementations must be safe for concurrent use; the DAG executor
// fans out file summaries against a single instance.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// LLMConfig configures the HTTP completion client.
type LLMConfig struct {
	// BaseURL of the completion service, e.g. "http://localhost:8000".
	BaseURL string
	// Model name sent with every request.
	Model string
	// Timeout per request. Defaults to 30s; overview generation over
	// large directories is slow.
	Timeout time.Duration
	// MaxQPS caps outbound request rate. Zero disables limiting.
	MaxQPS float64
	// Burst for the rate limiter. Defaults to 1 when MaxQPS is set.
	Burst int
}

func (c LLMConfig) withDefaults() LLMConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxQPS > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// LLMClient calls a completion HTTP service behind a circuit breaker.
type LLMClient struct {
	cfg     LLMConfig
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
}

// NewLLMClient builds the client. logger may be nil.
func NewLLMClient(cfg LLMConfig, logger *zap.Logger) *LLMClient {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.MaxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), cfg.Burst)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &LLMClient{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(httpClient, "llm", "completion-service", logger),
		limiter: limiter,
	}
}

type completionRequest struct {
	Model        string  `json:"model,omitempty"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type completionResponse struct {
	Text      string `json:"text"`
	ModelUsed string `json:"model_used"`
}

// Complete sends one prompt and returns the completion text.
func (c *LLMClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(completionRequest{
		Model:        c.cfg.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.System,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	if err != nil {
		return "", vkerr.Wrap(vkerr.KindUnknown, err, "marshal completion request")
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.cfg.BaseURL+"/completions/")
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/completions/", bytes.NewReader(body))
	if err != nil {
		return "", vkerr.Wrap(vkerr.KindUnknown, err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", vkerr.Wrap(vkerr.KindUnavailable, err, "call completion service")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", vkerr.New(vkerr.KindUnavailable, "completion service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", vkerr.Wrap(vkerr.KindUnavailable, err, "decode completion response")
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", vkerr.New(vkerr.KindUnavailable, "completion service returned empty text")
	}
	return out.Text, nil
}

// extractJSON strips a Markdown code fence from a model reply so the
// payload can be unmarshaled directly. Replies without fences pass
// through unchanged.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		return strings.TrimSpace(text)
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		return strings.TrimSpace(text)
	}
	return text
}
