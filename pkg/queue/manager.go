package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Standard queue names.
const (
	EmbeddingQueueName = "Embedding"
	SemanticQueueName  = "Semantic"
)

const (
	defaultMountPoint             = "/queue"
	defaultPollInterval           = 200 * time.Millisecond
	defaultMaxConcurrentEmbedding = 10
	defaultMaxConcurrentSemantic  = 100
	waitPollInterval              = 500 * time.Millisecond
)

// ManagerConfig parameterizes the queue manager.
type ManagerConfig struct {
	MountPoint   string        `mapstructure:"mount_point" yaml:"mount_point"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// MaxConcurrentEmbedding caps parallel embedding dispatches. The
	// semantic queue is always drained serially; its parallelism lives
	// inside the DAG executor.
	MaxConcurrentEmbedding int `mapstructure:"max_concurrent_embedding" yaml:"max_concurrent_embedding"`
	MaxConcurrentSemantic  int `mapstructure:"max_concurrent_semantic" yaml:"max_concurrent_semantic"`
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MountPoint == "" {
		c.MountPoint = defaultMountPoint
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxConcurrentEmbedding <= 0 {
		c.MaxConcurrentEmbedding = defaultMaxConcurrentEmbedding
	}
	if c.MaxConcurrentSemantic <= 0 {
		c.MaxConcurrentSemantic = defaultMaxConcurrentSemantic
	}
	return c
}

// Manager owns the named queues and runs one worker goroutine per queue.
type Manager struct {
	store  blob.Store
	cfg    ManagerConfig
	logger *zap.Logger

	mu      sync.Mutex
	queues  map[string]*NamedQueue
	stops   map[string]chan struct{}
	started bool

	shuttingDown atomic.Bool
	workerWg     sync.WaitGroup
}

// NewManager builds a manager over a blob store.
func NewManager(store blob.Store, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		queues: map[string]*NamedQueue{},
		stops:  map[string]chan struct{}{},
	}
	logger.Info("Queue manager initialized", zap.String("mount_point", m.cfg.MountPoint))
	return m
}

// MaxConcurrentSemantic exposes the configured semantic parallelism for
// the DAG executor.
func (m *Manager) MaxConcurrentSemantic() int { return m.cfg.MaxConcurrentSemantic }

// Start launches workers for every registered queue. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked()
}

func (m *Manager) startLocked() {
	if m.started {
		return
	}
	m.started = true
	m.shuttingDown.Store(false)
	for _, q := range m.queues {
		m.startWorkerLocked(q)
	}
	m.logger.Info("Queue manager started")
}

// IsRunning reports whether workers are active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// ShuttingDown reports whether Stop has begun. Handlers consult it to
// treat late failures as drained work instead of errors.
func (m *Manager) ShuttingDown() bool { return m.shuttingDown.Load() }

// SetupStandardQueues registers the Embedding and Semantic queues with
// their handlers and starts the manager.
func (m *Manager) SetupStandardQueues(ctx context.Context, embeddingHandler, semanticHandler DequeueHandler) error {
	if _, err := m.GetQueue(ctx, EmbeddingQueueName, QueueOptions{DequeueHandler: embeddingHandler}, true); err != nil {
		return err
	}
	m.logger.Info("Embedding queue initialized")
	if _, err := m.GetQueue(ctx, SemanticQueueName, QueueOptions{DequeueHandler: semanticHandler}, true); err != nil {
		return err
	}
	m.logger.Info("Semantic queue initialized")
	m.Start()
	return nil
}

// GetQueue returns a registered queue, creating it when allowCreate is
// set. Creation while the manager runs starts the queue's worker.
func (m *Manager) GetQueue(ctx context.Context, name string, opts QueueOptions, allowCreate bool) (*NamedQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked()
	q, ok := m.queues[name]
	if !ok {
		if !allowCreate {
			return nil, vkerr.New(vkerr.KindNotFound, "queue %s does not exist", name)
		}
		created, err := NewNamedQueue(ctx, m.store, m.cfg.MountPoint, name, opts, m.logger)
		if err != nil {
			return nil, err
		}
		m.queues[name] = created
		q = created
	}
	m.startWorkerLocked(q)
	return q, nil
}

func (m *Manager) startWorkerLocked(q *NamedQueue) {
	if !m.started || m.shuttingDown.Load() {
		return
	}
	if _, running := m.stops[q.Name()]; running {
		return
	}
	maxConcurrent := 1
	if q.Name() == EmbeddingQueueName {
		maxConcurrent = m.cfg.MaxConcurrentEmbedding
	}
	stop := make(chan struct{})
	m.stops[q.Name()] = stop
	m.workerWg.Add(1)
	go m.workerLoop(q, stop, maxConcurrent)
}

// Stop halts every worker, drains in-flight processing, and forgets the
// registered queues. The durable messages stay in the store.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.shuttingDown.Store(true)
	for _, stop := range m.stops {
		close(stop)
	}
	m.stops = map[string]chan struct{}{}
	m.mu.Unlock()

	m.workerWg.Wait()

	m.mu.Lock()
	m.queues = map[string]*NamedQueue{}
	m.started = false
	m.mu.Unlock()
	m.logger.Info("Queue manager stopped")
}

func (m *Manager) workerLoop(q *NamedQueue, stop <-chan struct{}, maxConcurrent int) {
	defer m.workerWg.Done()
	ctx := context.Background()
	if maxConcurrent > 1 {
		m.concurrentLoop(ctx, q, stop, maxConcurrent)
		return
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg, ok := m.nextMessage(ctx, q)
		if !ok {
			m.sleep(stop)
			continue
		}
		q.OnDequeueStart()
		q.ProcessDequeued(ctx, msg)
	}
}

// concurrentLoop drains the queue while capacity remains, processing up
// to maxConcurrent messages in parallel, and drains in-flight work
// before returning on stop.
func (m *Manager) concurrentLoop(ctx context.Context, q *NamedQueue, stop <-chan struct{}, maxConcurrent int) {
	sem := make(chan struct{}, maxConcurrent)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if !m.dispatchBatch(ctx, q, sem, &inflight) {
			m.sleep(stop)
		}
	}
}

func (m *Manager) dispatchBatch(ctx context.Context, q *NamedQueue, sem chan struct{}, inflight *sync.WaitGroup) bool {
	dispatched := false
	for {
		select {
		case sem <- struct{}{}:
		default:
			return dispatched
		}
		msg, ok := m.nextMessage(ctx, q)
		if !ok {
			<-sem
			return dispatched
		}
		// Counted before the goroutine spawns so the window where the
		// queue reads empty with work still pending never exists.
		q.OnDequeueStart()
		inflight.Add(1)
		dispatched = true
		go func() {
			defer func() {
				<-sem
				inflight.Done()
			}()
			q.ProcessDequeued(ctx, msg)
		}()
	}
}

func (m *Manager) nextMessage(ctx context.Context, q *NamedQueue) (*Message, bool) {
	if !q.HasDequeueHandler() {
		return nil, false
	}
	size, err := q.Size(ctx)
	if err != nil {
		m.logger.Error("Queue size check failed", zap.String("queue", q.Name()), zap.Error(err))
		return nil, false
	}
	if size == 0 {
		return nil, false
	}
	msg, err := q.Dequeue(ctx)
	if err != nil {
		m.logger.Error("Queue dequeue failed", zap.String("queue", q.Name()), zap.Error(err))
		return nil, false
	}
	if msg == nil {
		return nil, false
	}
	return msg, true
}

func (m *Manager) sleep(stop <-chan struct{}) {
	select {
	case <-stop:
	case <-time.After(m.cfg.PollInterval):
	}
}

// Enqueue writes to a registered queue.
func (m *Manager) Enqueue(ctx context.Context, queueName string, data any) (string, error) {
	q, err := m.lookup(queueName)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, data)
}

// Peek reads the head of a registered queue without removing it.
func (m *Manager) Peek(ctx context.Context, queueName string) (*Message, error) {
	q, err := m.lookup(queueName)
	if err != nil {
		return nil, err
	}
	return q.Peek(ctx)
}

// Size reports the stored message count of a registered queue.
func (m *Manager) Size(ctx context.Context, queueName string) (int, error) {
	q, err := m.lookup(queueName)
	if err != nil {
		return 0, err
	}
	return q.Size(ctx)
}

// Clear removes every stored message of a registered queue.
func (m *Manager) Clear(ctx context.Context, queueName string) error {
	q, err := m.lookup(queueName)
	if err != nil {
		return err
	}
	return q.Clear(ctx)
}

func (m *Manager) lookup(name string) (*NamedQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil, vkerr.New(vkerr.KindNotFound, "queue %s does not exist", name)
	}
	return q, nil
}

func (m *Manager) snapshot(queueName string) []*NamedQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if queueName != "" {
		if q, ok := m.queues[queueName]; ok {
			return []*NamedQueue{q}
		}
		return nil
	}
	out := make([]*NamedQueue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

// CheckStatus snapshots one queue's counters, or every queue's when
// queueName is empty. Unknown names yield an empty map.
func (m *Manager) CheckStatus(ctx context.Context, queueName string) (map[string]QueueStatus, error) {
	statuses := map[string]QueueStatus{}
	for _, q := range m.snapshot(queueName) {
		st, err := q.Status(ctx)
		if err != nil {
			return nil, err
		}
		statuses[q.Name()] = st
	}
	return statuses, nil
}

// HasErrors reports whether any selected queue recorded a failure.
func (m *Manager) HasErrors(queueName string) bool {
	for _, q := range m.snapshot(queueName) {
		if q.ErrorCount() > 0 {
			return true
		}
	}
	return false
}

// IsAllComplete reports whether every selected queue is drained with no
// work in flight.
func (m *Manager) IsAllComplete(ctx context.Context, queueName string) (bool, error) {
	statuses, err := m.CheckStatus(ctx, queueName)
	if err != nil {
		return false, err
	}
	for _, st := range statuses {
		if !st.IsComplete {
			return false, nil
		}
	}
	return true, nil
}

// WaitComplete polls until the selected queues are complete and returns
// their final status. A zero timeout waits indefinitely (bounded by ctx).
func (m *Manager) WaitComplete(ctx context.Context, queueName string, timeout time.Duration) (map[string]QueueStatus, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		complete, err := m.IsAllComplete(ctx, queueName)
		if err != nil {
			return nil, err
		}
		if complete {
			return m.CheckStatus(ctx, queueName)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, vkerr.New(vkerr.KindTimeout, "queue processing not complete after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// Process-wide manager, initialized once at system start.
var (
	managerMu      sync.Mutex
	defaultManager *Manager
)

// Initialize builds and installs the process-wide manager, replacing any
// previous one without stopping it; callers own that lifecycle.
func Initialize(store blob.Store, cfg ManagerConfig, logger *zap.Logger) *Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	defaultManager = NewManager(store, cfg, logger)
	return defaultManager
}

// Get returns the process-wide manager, or nil before Initialize.
func Get() *Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	return defaultManager
}

// Reset stops and forgets the process-wide manager. Shutdown and tests
// call it.
func Reset() {
	managerMu.Lock()
	mgr := defaultManager
	defaultManager = nil
	managerMu.Unlock()
	if mgr != nil {
		mgr.Stop()
	}
}
