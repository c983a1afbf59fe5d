package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

func newTestManager(t *testing.T) (*Manager, context.Context) {
	t.Helper()
	m := NewManager(blob.NewMemoryStore(), ManagerConfig{
		PollInterval:           5 * time.Millisecond,
		MaxConcurrentEmbedding: 4,
	}, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m, context.Background()
}

type orderHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *orderHandler) HandleDequeue(ctx context.Context, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg.Data)
	return nil
}

func (h *orderHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func TestManagerProcessesSerially(t *testing.T) {
	m, ctx := newTestManager(t)
	handler := &orderHandler{}

	_, err := m.GetQueue(ctx, "serial", QueueOptions{DequeueHandler: handler}, true)
	require.NoError(t, err)
	for _, p := range []string{"a", "b", "c"} {
		_, err := m.Enqueue(ctx, "serial", p)
		require.NoError(t, err)
	}

	statuses, err := m.WaitComplete(ctx, "serial", 5*time.Second)
	require.NoError(t, err)
	st := statuses["serial"]
	assert.True(t, st.IsComplete)
	assert.EqualValues(t, 3, st.ProcessedTotal)
	assert.EqualValues(t, 0, st.ErrorCount)
	assert.Equal(t, []string{"a", "b", "c"}, handler.snapshot())
	assert.False(t, m.HasErrors("serial"))
}

type gateHandler struct {
	current atomic.Int64
	peak    atomic.Int64
	release chan struct{}
}

func (h *gateHandler) HandleDequeue(ctx context.Context, msg *Message) error {
	cur := h.current.Add(1)
	defer h.current.Add(-1)
	for {
		peak := h.peak.Load()
		if cur <= peak || h.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	<-h.release
	return nil
}

func TestManagerDispatchesEmbeddingConcurrently(t *testing.T) {
	m, ctx := newTestManager(t)
	handler := &gateHandler{release: make(chan struct{})}

	_, err := m.GetQueue(ctx, EmbeddingQueueName, QueueOptions{DequeueHandler: handler}, true)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, EmbeddingQueueName, "msg")
		require.NoError(t, err)
	}

	// All three go in flight together under the cap of four.
	require.Eventually(t, func() bool {
		return handler.current.Load() == 3
	}, 5*time.Second, 5*time.Millisecond)

	statuses, err := m.CheckStatus(ctx, EmbeddingQueueName)
	require.NoError(t, err)
	assert.EqualValues(t, 3, statuses[EmbeddingQueueName].InProgress)

	close(handler.release)
	statuses, err = m.WaitComplete(ctx, EmbeddingQueueName, 5*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 3, statuses[EmbeddingQueueName].ProcessedTotal)
	assert.EqualValues(t, 3, handler.peak.Load())
}

func TestManagerStopDrainsInFlight(t *testing.T) {
	m, ctx := newTestManager(t)
	started := make(chan struct{}, 1)
	handler := funcHandler{fn: func(context.Context, *Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	}}

	q, err := m.GetQueue(ctx, "drain", QueueOptions{DequeueHandler: handler}, true)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "drain", "slow")
	require.NoError(t, err)

	<-started
	assert.False(t, m.ShuttingDown())
	m.Stop()

	// Stop returns only after the in-flight handler finished reporting.
	st, err := q.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.InProgress)
	assert.EqualValues(t, 1, st.ProcessedTotal)
	assert.False(t, m.IsRunning())
}

func TestManagerErrorReporting(t *testing.T) {
	m, ctx := newTestManager(t)
	handler := funcHandler{fn: func(_ context.Context, msg *Message) error {
		if strings.Contains(msg.Data, "bad") {
			return errors.New("rejected payload")
		}
		return nil
	}}

	_, err := m.GetQueue(ctx, "mixed", QueueOptions{DequeueHandler: handler}, true)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "mixed", "good")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "mixed", "bad")
	require.NoError(t, err)

	statuses, err := m.WaitComplete(ctx, "mixed", 5*time.Second)
	require.NoError(t, err)
	st := statuses["mixed"]
	assert.EqualValues(t, 1, st.ProcessedTotal)
	assert.EqualValues(t, 1, st.ErrorCount)
	assert.True(t, st.IsComplete)
	assert.True(t, m.HasErrors("mixed"))
	assert.True(t, m.HasErrors(""))
}

func TestManagerUnknownQueue(t *testing.T) {
	m, ctx := newTestManager(t)

	_, err := m.Enqueue(ctx, "ghost", "x")
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindNotFound))

	_, err = m.GetQueue(ctx, "ghost", QueueOptions{}, false)
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindNotFound))

	statuses, err := m.CheckStatus(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, statuses)
	assert.False(t, m.HasErrors("ghost"))

	// Nothing selected means nothing incomplete.
	statuses, err = m.WaitComplete(ctx, "ghost", time.Second)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestManagerWaitCompleteTimeout(t *testing.T) {
	m, ctx := newTestManager(t)
	release := make(chan struct{})
	handler := funcHandler{fn: func(context.Context, *Message) error {
		<-release
		return nil
	}}

	_, err := m.GetQueue(ctx, "stuck", QueueOptions{DequeueHandler: handler}, true)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "stuck", "x")
	require.NoError(t, err)

	_, err = m.WaitComplete(ctx, "stuck", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindTimeout))

	close(release)
	_, err = m.WaitComplete(ctx, "stuck", 5*time.Second)
	require.NoError(t, err)
}

func TestSetupStandardQueues(t *testing.T) {
	m, ctx := newTestManager(t)
	embedding := &orderHandler{}
	semantic := &orderHandler{}

	require.NoError(t, m.SetupStandardQueues(ctx, embedding, semantic))
	assert.True(t, m.IsRunning())
	assert.Equal(t, defaultMaxConcurrentSemantic, m.MaxConcurrentSemantic())

	_, err := m.Enqueue(ctx, EmbeddingQueueName, "embed-me")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, SemanticQueueName, "digest-me")
	require.NoError(t, err)

	_, err = m.WaitComplete(ctx, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"embed-me"}, embedding.snapshot())
	assert.Equal(t, []string{"digest-me"}, semantic.snapshot())
}

func TestManagerSingleton(t *testing.T) {
	t.Cleanup(Reset)

	assert.Nil(t, Get())
	m := Initialize(blob.NewMemoryStore(), ManagerConfig{}, zaptest.NewLogger(t))
	require.NotNil(t, m)
	assert.Same(t, m, Get())

	Reset()
	assert.Nil(t, Get())
}
