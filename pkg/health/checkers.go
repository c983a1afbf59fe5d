package health

import (
	"bytes"
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/vectorindex"
)

const blobProbePath = "/.health/probe"

// BlobChecker round-trips a probe object through the blob store.
type BlobChecker struct {
	store   blob.Store
	logger  *zap.Logger
	timeout time.Duration
}

// NewBlobChecker creates the blob store probe.
func NewBlobChecker(store blob.Store, logger *zap.Logger) *BlobChecker {
	return &BlobChecker{store: store, logger: logger, timeout: 5 * time.Second}
}

func (b *BlobChecker) Name() string           { return "blob" }
func (b *BlobChecker) IsCritical() bool       { return true }
func (b *BlobChecker) Timeout() time.Duration { return b.timeout }

func (b *BlobChecker) Check(ctx context.Context) CheckResult {
	started := time.Now()
	result := CheckResult{Component: "blob", Critical: true, Timestamp: started}

	payload := []byte(started.UTC().Format(time.RFC3339Nano))
	if err := b.store.Write(ctx, blobProbePath, payload); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Blob write failed"
		result.Duration = time.Since(started)
		return result
	}
	read, err := b.store.Read(ctx, blobProbePath, 0, -1)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Blob read back failed"
		result.Duration = time.Since(started)
		return result
	}
	if !bytes.Equal(read, payload) {
		result.Status = StatusUnhealthy
		result.Message = "Blob read back returned different content"
		result.Duration = time.Since(started)
		return result
	}
	cleanupErr := b.store.Rm(ctx, blobProbePath, false)
	result.Duration = time.Since(started)

	switch {
	case cleanupErr != nil:
		result.Status = StatusDegraded
		result.Error = cleanupErr.Error()
		result.Message = "Blob probe cleanup failed"
	case result.Duration > 500*time.Millisecond:
		result.Status = StatusDegraded
		result.Message = "Blob store responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Blob store healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// VectorIndexChecker observes the vector collection without writing.
type VectorIndexChecker struct {
	index   *vectorindex.Index
	logger  *zap.Logger
	timeout time.Duration
}

// NewVectorIndexChecker creates the vector index probe.
func NewVectorIndexChecker(index *vectorindex.Index, logger *zap.Logger) *VectorIndexChecker {
	return &VectorIndexChecker{index: index, logger: logger, timeout: 5 * time.Second}
}

func (v *VectorIndexChecker) Name() string           { return "vector_index" }
func (v *VectorIndexChecker) IsCritical() bool       { return true }
func (v *VectorIndexChecker) Timeout() time.Duration { return v.timeout }

func (v *VectorIndexChecker) Check(ctx context.Context) CheckResult {
	started := time.Now()
	result := CheckResult{Component: "vector_index", Critical: true, Timestamp: started}

	if v.index.Closing() {
		result.Status = StatusUnhealthy
		result.Message = "Vector index is shutting down"
		result.Duration = time.Since(started)
		return result
	}
	if !v.index.CollectionExists(ctx) {
		result.Status = StatusDegraded
		result.Message = "Vector collection not created yet"
		result.Duration = time.Since(started)
		result.Details = map[string]interface{}{
			"collection": v.index.CollectionName(),
			"mode":       v.index.Mode(),
		}
		return result
	}

	info, err := v.index.GetCollectionInfo(ctx)
	result.Duration = time.Since(started)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Vector collection query failed"
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Vector index healthy"
	result.Details = map[string]interface{}{
		"collection": info.Name,
		"records":    info.Count,
		"dimension":  info.VectorDim,
		"mode":       v.index.Mode(),
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// RedisChecker pings the embedding cache Redis.
type RedisChecker struct {
	client  *redis.Client
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisChecker creates the Redis probe. wrapper may be nil when the
// cache runs without a circuit breaker.
func NewRedisChecker(client *redis.Client, wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisChecker {
	return &RedisChecker{client: client, wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false }
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	started := time.Now()
	result := CheckResult{Component: "redis", Timestamp: started}

	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(started)
		return result
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(started)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		result.Details = map[string]interface{}{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"circuit_breaker_open": false,
	}
	return result
}

// EmbedderChecker embeds a canary string and verifies the vector width.
type EmbedderChecker struct {
	embedder embedding.Embedder
	logger   *zap.Logger
	timeout  time.Duration
}

// NewEmbedderChecker creates the embedding service probe.
func NewEmbedderChecker(embedder embedding.Embedder, logger *zap.Logger) *EmbedderChecker {
	return &EmbedderChecker{embedder: embedder, logger: logger, timeout: 10 * time.Second}
}

func (e *EmbedderChecker) Name() string           { return "embedder" }
func (e *EmbedderChecker) IsCritical() bool       { return false }
func (e *EmbedderChecker) Timeout() time.Duration { return e.timeout }

func (e *EmbedderChecker) Check(ctx context.Context) CheckResult {
	started := time.Now()
	result := CheckResult{Component: "embedder", Timestamp: started}

	res, err := e.embedder.Embed(ctx, "health probe")
	result.Duration = time.Since(started)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Embedding request failed"
		result.Details = map[string]interface{}{
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	want := e.embedder.Dimension()
	if want > 0 && len(res.Dense) != want {
		result.Status = StatusDegraded
		result.Message = "Embedder returned unexpected vector width"
		result.Details = map[string]interface{}{
			"expected_dimension": want,
			"actual_dimension":   len(res.Dense),
		}
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Embedder healthy"
	result.Details = map[string]interface{}{
		"dimension":  len(res.Dense),
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// CustomChecker wraps a probe function.
type CustomChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomChecker creates a checker from a function.
func NewCustomChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomChecker {
	return &CustomChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomChecker) Name() string           { return c.name }
func (c *CustomChecker) IsCritical() bool       { return c.critical }
func (c *CustomChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
