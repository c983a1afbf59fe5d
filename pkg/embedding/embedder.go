// Package embedding turns text into dense and optional sparse vectors.
// The HTTP client fronts the embedding endpoint with two cache tiers
// (in-process LRU, then Redis); the queue handler consumes Embedding
// messages and writes the resulting vectors into the index.
package embedding

import (
	"context"
	"time"
)

// Result is one embedding outcome. Sparse is empty unless the backend
// returns lexical weights.
type Result struct {
	Dense  []float32
	Sparse map[string]float32
}

// Embedder produces vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Result, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Result, error)
	// Dimension is the dense vector width the backend is configured for.
	Dimension() int
}

// Config controls the embedding service client.
type Config struct {
	// BaseURL points to the service providing /embeddings
	BaseURL string
	// Model is the embedding model name (e.g., text-embedding-3-small)
	Model string
	// Dimension is the expected dense vector width
	Dimension int
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// MaxQPS caps outbound request rate; 0 disables the limiter
	MaxQPS float64
	// Burst is the limiter burst size when MaxQPS is set
	Burst int
	// ReturnSparse asks the backend for lexical weights as well
	ReturnSparse bool
	// EnableRedis enables the Redis-backed cache tier (optional)
	EnableRedis bool
	// RedisAddr in host:port form when EnableRedis is true
	RedisAddr string
	// CacheTTL sets TTL for Redis cache entries
	CacheTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	if c.Burst == 0 {
		c.Burst = 1
	}
	return c
}
