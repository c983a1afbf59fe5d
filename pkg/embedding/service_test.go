package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// embedServer fakes the embedding endpoint. Vector values encode the
// request position so tests can tell which text produced which vector.
type embedServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	calls         int
	lastReq       embedRequest
	dim           int
	sparse        bool
	status        int
	overrideCount int
}

func newEmbedServer(t *testing.T, dim int) *embedServer {
	t.Helper()
	es := &embedServer{dim: dim, status: http.StatusOK}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		es.mu.Lock()
		es.calls++
		es.lastReq = req
		status := es.status
		n := len(req.Texts)
		if es.overrideCount > 0 {
			n = es.overrideCount
		}
		dim := es.dim
		sparse := es.sparse
		es.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "backend down", status)
			return
		}
		resp := embedResponse{Dimensions: dim, ModelUsed: req.Model}
		for i := 0; i < n; i++ {
			vec := make([]float64, dim)
			for j := range vec {
				vec[j] = float64(i+1) * 0.1
			}
			resp.Embeddings = append(resp.Embeddings, vec)
			if sparse {
				resp.SparseEmbeddings = append(resp.SparseEmbeddings, map[string]float64{"tok": 0.5})
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *embedServer) callCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.calls
}

func (es *embedServer) lastTexts() []string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.lastReq.Texts
}

func (es *embedServer) setSparse(v bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.sparse = v
}

func (es *embedServer) setStatus(code int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.status = code
}

func (es *embedServer) setOverrideCount(n int) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.overrideCount = n
}

func newTestService(t *testing.T, es *embedServer, cache Cache) *Service {
	t.Helper()
	return New(Config{
		BaseURL:   es.srv.URL,
		Model:     "test-model",
		Dimension: es.dim,
		MaxLRU:    8,
	}, cache, zaptest.NewLogger(t))
}

func TestEmbedCachesInLRU(t *testing.T) {
	es := newEmbedServer(t, 4)
	svc := newTestService(t, es, nil)
	ctx := context.Background()

	res, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, res.Dense, 4)
	assert.InDelta(t, 0.1, float64(res.Dense[0]), 1e-6)
	assert.Equal(t, 1, es.callCount())

	again, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, res.Dense, again.Dense)
	assert.Equal(t, 1, es.callCount())

	_, err = svc.Embed(ctx, "different")
	require.NoError(t, err)
	assert.Equal(t, 2, es.callCount())
}

func TestEmbedBatchFetchesOnlyMisses(t *testing.T) {
	es := newEmbedServer(t, 4)
	svc := newTestService(t, es, nil)
	ctx := context.Background()

	_, err := svc.Embed(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, es.callCount())

	out, err := svc.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 2, es.callCount())
	assert.Equal(t, []string{"b", "c"}, es.lastTexts())

	// Only the misses hit the server, so their vectors are positional
	// within that second request.
	assert.InDelta(t, 0.1, float64(out[0].Dense[0]), 1e-6)
	assert.InDelta(t, 0.1, float64(out[1].Dense[0]), 1e-6)
	assert.InDelta(t, 0.2, float64(out[2].Dense[0]), 1e-6)

	empty, err := svc.EmbedBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 2, es.callCount())
}

func TestEmbedReturnsSparseWeights(t *testing.T) {
	es := newEmbedServer(t, 4)
	es.setSparse(true)
	svc := New(Config{
		BaseURL:      es.srv.URL,
		Model:        "test-model",
		Dimension:    4,
		ReturnSparse: true,
	}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	res, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)
	require.Len(t, res.Dense, 4)
	assert.InDelta(t, 0.5, float64(res.Sparse["tok"]), 1e-6)

	es.mu.Lock()
	sparseAsked := es.lastReq.ReturnSparse
	es.mu.Unlock()
	assert.True(t, sparseAsked)
}

func TestEmbedServerError(t *testing.T) {
	es := newEmbedServer(t, 4)
	es.setStatus(http.StatusInternalServerError)
	svc := newTestService(t, es, nil)

	_, err := svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindUnavailable))
	assert.Contains(t, err.Error(), "500")
}

func TestEmbedCountMismatch(t *testing.T) {
	es := newEmbedServer(t, 4)
	es.setOverrideCount(2)
	svc := newTestService(t, es, nil)

	_, err := svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindUnavailable))
	assert.Contains(t, err.Error(), "2 embeddings for 1 texts")
}

func TestEmbedWithLimiter(t *testing.T) {
	es := newEmbedServer(t, 4)
	svc := New(Config{
		BaseURL:   es.srv.URL,
		Model:     "test-model",
		Dimension: 4,
		MaxQPS:    1000,
		Burst:     10,
	}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.Embed(ctx, "a")
	require.NoError(t, err)
	_, err = svc.Embed(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, es.callCount())
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)
	ctx := context.Background()

	want := Result{
		Dense:  []float32{1.5, -2.25, 0, 0.125},
		Sparse: map[string]float32{"x": 0.5, "y": 1},
	}
	rc.Set(ctx, "emb:test", want, time.Minute)

	got, ok := rc.Get(ctx, "emb:test")
	require.True(t, ok)
	assert.Equal(t, want.Dense, got.Dense)
	assert.Equal(t, want.Sparse, got.Sparse)

	_, ok = rc.Get(ctx, "emb:missing")
	assert.False(t, ok)

	// Payloads that are not a whole number of float32s are rejected.
	require.NoError(t, mr.Set("emb:corrupt", "abc"))
	_, ok = rc.Get(ctx, "emb:corrupt")
	assert.False(t, ok)

	rc.Set(ctx, "emb:dense-only", Result{Dense: []float32{1, 2}}, time.Minute)
	got, ok = rc.Get(ctx, "emb:dense-only")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got.Dense)
	assert.Nil(t, got.Sparse)
}

func TestRedisCacheConnectFailure(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1:1")
	require.Error(t, err)
}

func TestServiceRedisTierBackfill(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)
	es := newEmbedServer(t, 4)
	ctx := context.Background()

	first := newTestService(t, es, rc)
	res, err := first.Embed(ctx, "warm")
	require.NoError(t, err)
	require.Equal(t, 1, es.callCount())
	assert.True(t, mr.Exists(MakeKey("test-model", "warm")))

	// A fresh service shares no LRU but hits the Redis tier.
	second := newTestService(t, es, rc)
	got, err := second.Embed(ctx, "warm")
	require.NoError(t, err)
	assert.Equal(t, res.Dense, got.Dense)
	assert.Equal(t, 1, es.callCount())

	// The Redis hit backfilled the LRU.
	_, err = second.Embed(ctx, "warm")
	require.NoError(t, err)
	assert.Equal(t, 1, es.callCount())
}

func TestLocalLRUEvictionAndTTL(t *testing.T) {
	l := NewLocalLRU(2)
	ctx := context.Background()

	l.Set(ctx, "a", Result{Dense: []float32{1}}, time.Minute)
	l.Set(ctx, "b", Result{Dense: []float32{2}}, time.Minute)

	// Touch a so b becomes the eviction candidate.
	_, ok := l.Get(ctx, "a")
	require.True(t, ok)

	l.Set(ctx, "c", Result{Dense: []float32{3}}, time.Minute)
	_, ok = l.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = l.Get(ctx, "c")
	assert.True(t, ok)

	l.Set(ctx, "expired", Result{Dense: []float32{4}}, -time.Second)
	_, ok = l.Get(ctx, "expired")
	assert.False(t, ok)
}

func TestMakeKey(t *testing.T) {
	k := MakeKey("model-a", "some text")
	assert.True(t, strings.HasPrefix(k, "emb:"))
	assert.Len(t, k, len("emb:")+32)
	assert.Equal(t, k, MakeKey("model-a", "some text"))
	assert.NotEqual(t, k, MakeKey("model-b", "some text"))
	assert.NotEqual(t, k, MakeKey("model-a", "other text"))
}
