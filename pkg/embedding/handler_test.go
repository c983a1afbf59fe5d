package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/filter"
	"github.com/openviking/openviking-go/pkg/queue"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vectorindex"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	dense  []float32
	sparse map[string]float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Dense: f.dense, Sparse: f.sparse}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	out := make([]Result, 0, len(texts))
	for _, text := range texts {
		r, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return len(f.dense) }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newHandlerIndex(t *testing.T) (*vectorindex.Index, context.Context) {
	t.Helper()
	ctx := context.Background()
	ix, err := vectorindex.New(ctx, vectordb.Config{
		Backend:   "local",
		Path:      t.TempDir(),
		Dimension: 4,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = ix.EnsureCollection(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix, ctx
}

func embQueueMsg(t *testing.T, m types.EmbeddingMsg) *queue.Message {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return &queue.Message{ID: "msg-1", Data: string(b), EnqueuedAt: types.NowTimestamp()}
}

func TestHandlerEmbedsAndUpserts(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{
		dense:  []float32{0.1, 0.2, 0.3, 0.4},
		sparse: map[string]float32{"guide": 0.7},
	}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))

	uri := "viking://resources/docs/guide.md"
	m, ok := NewEmbeddingMsg("a short guide", types.ContextNode{
		URI:         uri,
		ParentURI:   "viking://resources/docs",
		AccountID:   "acct-1",
		ContextType: types.ContextTypeResource,
		Name:        "guide.md",
	})
	require.True(t, ok)

	require.NoError(t, h.HandleDequeue(ctx, embQueueMsg(t, m)))
	assert.Equal(t, 1, emb.callCount())

	records, err := ix.Query(ctx, vectordb.QueryOptions{
		Filter:     filter.Eq{Field: "uri", Value: uri},
		Limit:      1,
		WithVector: true,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.NodeID("acct-1", uri), records[0]["id"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, records[0]["vector"])
	assert.EqualValues(t, 2, records[0]["level"])
	assert.Equal(t, "resource", records[0]["context_type"])
}

func TestHandlerAssignsDefaultAccount(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{dense: []float32{1, 0, 0, 0}}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))

	uri := "viking://resources/notes/a.md"
	m, ok := NewEmbeddingMsg("note", types.ContextNode{URI: uri})
	require.True(t, ok)

	require.NoError(t, h.HandleDequeue(ctx, embQueueMsg(t, m)))
	assert.True(t, ix.Exists(ctx, types.NodeID("default", uri)))
}

func TestHandlerSkipsNonStringMessage(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{dense: []float32{1, 0, 0, 0}}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))

	m := types.EmbeddingMsg{
		Message:     map[string]any{"kind": 1},
		ContextData: types.ContextNode{URI: "viking://resources/x.md"},
	}
	require.NoError(t, h.HandleDequeue(ctx, embQueueMsg(t, m)))
	assert.Equal(t, 0, emb.callCount())

	n, err := ix.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerBadPayload(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	h := NewTextEmbeddingHandler(ix, &fakeEmbedder{}, zaptest.NewLogger(t))

	err := h.HandleDequeue(ctx, &queue.Message{ID: "bad", Data: "{not json"})
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindSchemaError))
}

func TestHandlerDimensionMismatch(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{dense: []float32{1, 0, 0}}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))

	m, ok := NewEmbeddingMsg("text", types.ContextNode{URI: "viking://resources/y.md"})
	require.True(t, ok)

	err := h.HandleDequeue(ctx, embQueueMsg(t, m))
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindSchemaError))

	n, err := ix.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerEmbedErrorPropagates(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{err: errors.New("backend down")}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))

	m, ok := NewEmbeddingMsg("text", types.ContextNode{URI: "viking://resources/z.md"})
	require.True(t, ok)

	err := h.HandleDequeue(ctx, embQueueMsg(t, m))
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindUnavailable))
	assert.Contains(t, err.Error(), "backend down")
}

func TestHandlerNilEmbedder(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	h := NewTextEmbeddingHandler(ix, nil, zaptest.NewLogger(t))

	m, ok := NewEmbeddingMsg("text", types.ContextNode{URI: "viking://resources/w.md"})
	require.True(t, ok)

	err := h.HandleDequeue(ctx, embQueueMsg(t, m))
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindUnavailable))
}

func TestHandlerSkipsDuringShutdown(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{dense: []float32{1, 0, 0, 0}}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))
	require.NoError(t, ix.Close())

	m, ok := NewEmbeddingMsg("text", types.ContextNode{URI: "viking://resources/v.md"})
	require.True(t, ok)

	require.NoError(t, h.HandleDequeue(ctx, embQueueMsg(t, m)))
	assert.Equal(t, 0, emb.callCount())
}

func TestHandlerThroughQueue(t *testing.T) {
	ix, ctx := newHandlerIndex(t)
	emb := &fakeEmbedder{dense: []float32{0, 1, 0, 0}}
	h := NewTextEmbeddingHandler(ix, emb, zaptest.NewLogger(t))

	q, err := queue.NewNamedQueue(ctx, blob.NewMemoryStore(), "/queue", queue.EmbeddingQueueName,
		queue.QueueOptions{DequeueHandler: h}, zaptest.NewLogger(t))
	require.NoError(t, err)

	uri := "viking://user/alice/memories/pref.md"
	m, ok := NewEmbeddingMsg("prefers dark mode", types.ContextNode{
		URI:         uri,
		AccountID:   "acct-1",
		OwnerSpace:  "alice",
		ContextType: types.ContextTypeMemory,
	})
	require.True(t, ok)

	_, err = q.Enqueue(ctx, m)
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	q.OnDequeueStart()
	q.ProcessDequeued(ctx, msg)

	st, err := q.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.ProcessedTotal)
	assert.EqualValues(t, 0, st.ErrorCount)
	assert.True(t, ix.Exists(ctx, types.NodeID("acct-1", uri)))
}

func TestConverterLevels(t *testing.T) {
	_, ok := NewEmbeddingMsg("", types.ContextNode{URI: "viking://resources/a.md"})
	assert.False(t, ok)

	m, ok := NewEmbeddingMsg("abstract", types.ContextNode{URI: "viking://resources/docs/.abstract.md"})
	require.True(t, ok)
	assert.Equal(t, types.LevelAbstract, m.ContextData.Level)

	m, ok = NewEmbeddingMsg("overview", types.ContextNode{URI: "viking://resources/docs/.overview.md"})
	require.True(t, ok)
	assert.Equal(t, types.LevelOverview, m.ContextData.Level)

	m, ok = NewEmbeddingMsg("detail", types.ContextNode{URI: "viking://resources/docs/a.md", Level: types.LevelAbstract})
	require.True(t, ok)
	assert.Equal(t, types.LevelDetail, m.ContextData.Level)

	// Directory abstract: the URI has no level suffix, the producer
	// pins the tier itself.
	m, ok = NewEmbeddingMsgAtLevel("abstract", types.ContextNode{URI: "viking://resources/docs"}, types.LevelAbstract)
	require.True(t, ok)
	assert.Equal(t, types.LevelAbstract, m.ContextData.Level)

	_, ok = NewEmbeddingMsgAtLevel("", types.ContextNode{URI: "viking://resources/docs"}, types.LevelAbstract)
	assert.False(t, ok)
}
