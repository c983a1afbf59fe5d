package health

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openviking/openviking-go/internal/circuitbreaker"
	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vectorindex"
)

type brokenStore struct {
	blob.Store
}

func (brokenStore) Write(ctx context.Context, path string, data []byte) error {
	return errors.New("disk full")
}

func TestBlobCheckerRoundTrip(t *testing.T) {
	store := blob.NewMemoryStore()
	checker := NewBlobChecker(store, zaptest.NewLogger(t))

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.True(t, result.Critical)

	// The probe object is removed afterwards.
	_, err := store.Stat(context.Background(), blobProbePath)
	require.Error(t, err)
}

func TestBlobCheckerWriteFailure(t *testing.T) {
	checker := NewBlobChecker(brokenStore{blob.NewMemoryStore()}, zaptest.NewLogger(t))

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "disk full")
}

func newTestIndex(t *testing.T) *vectorindex.Index {
	t.Helper()
	ix, err := vectorindex.New(context.Background(), vectordb.Config{
		Backend:   "local",
		Path:      t.TempDir(),
		Dimension: 4,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestVectorIndexCheckerBeforeCollectionExists(t *testing.T) {
	ix := newTestIndex(t)
	checker := NewVectorIndexChecker(ix, zaptest.NewLogger(t))

	result := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Message, "not created")
}

func TestVectorIndexCheckerHealthy(t *testing.T) {
	ix := newTestIndex(t)
	created, err := ix.EnsureCollection(context.Background())
	require.NoError(t, err)
	require.True(t, created)

	checker := NewVectorIndexChecker(ix, zaptest.NewLogger(t))
	result := checker.Check(context.Background())

	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "context", result.Details["collection"])
	assert.Equal(t, 0, result.Details["records"])
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	checker := NewRedisChecker(client, nil, zaptest.NewLogger(t))

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.False(t, result.Critical)

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestRedisCheckerBreakerOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapper := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	mr.Close()

	// Trip the breaker with consecutive failures.
	for i := 0; i < 5; i++ {
		_ = wrapper.Ping(context.Background()).Err()
	}
	require.True(t, wrapper.IsCircuitBreakerOpen())

	checker := NewRedisChecker(client, wrapper, zaptest.NewLogger(t))
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "circuit breaker")
}

type probeEmbedder struct {
	dim  int
	fail bool
}

func (p probeEmbedder) Embed(ctx context.Context, text string) (embedding.Result, error) {
	if p.fail {
		return embedding.Result{}, errors.New("service down")
	}
	return embedding.Result{Dense: make([]float32, p.dim)}, nil
}

func (p probeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error) {
	out := make([]embedding.Result, len(texts))
	for i := range texts {
		r, err := p.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (p probeEmbedder) Dimension() int { return 4 }

func TestEmbedderChecker(t *testing.T) {
	checker := NewEmbedderChecker(probeEmbedder{dim: 4}, zaptest.NewLogger(t))
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 4, result.Details["dimension"])

	checker = NewEmbedderChecker(probeEmbedder{dim: 3}, zaptest.NewLogger(t))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 4, result.Details["expected_dimension"])

	checker = NewEmbedderChecker(probeEmbedder{fail: true}, zaptest.NewLogger(t))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "service down")
}
