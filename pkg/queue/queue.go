// Package queue provides durable FIFO queues over the blob store and the
// manager that runs one worker per queue. A queue named N keeps one JSON
// file per message under {mount}/N/, named by a zero-padded sequence so
// the store's sorted listing is the queue order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Message is the stored envelope for one queue item. Data carries the
// payload as a JSON string; handlers decode the shape they expect.
type Message struct {
	ID         string `json:"id"`
	Data       string `json:"data"`
	EnqueuedAt string `json:"enqueued_at"`
}

// EnqueueHook can rewrite or reject a payload before it is written.
type EnqueueHook interface {
	BeforeEnqueue(ctx context.Context, data string) (string, error)
}

// DequeueHandler processes one dequeued message. A nil return reports
// the message as processed; an error reports it as failed. The worker
// loop issues exactly one report per message either way.
type DequeueHandler interface {
	HandleDequeue(ctx context.Context, msg *Message) error
}

// QueueStatus is the counter snapshot for one queue.
type QueueStatus struct {
	QueueSize      int   `json:"queue_size"`
	InProgress     int64 `json:"in_progress"`
	ProcessedTotal int64 `json:"processed_total"`
	ErrorCount     int64 `json:"error_count"`
	IsComplete     bool  `json:"is_complete"`
}

// NamedQueue is a FIFO over a blob-store directory with in-memory
// processing counters. Durable state is the message files only; the
// counters describe this process's workers.
type NamedQueue struct {
	name    string
	dir     string
	store   blob.Store
	hook    EnqueueHook
	handler DequeueHandler
	logger  *zap.Logger

	seq            atomic.Uint64
	inProgress     atomic.Int64
	processedTotal atomic.Int64
	errorCount     atomic.Int64

	// headMu serializes head removal so concurrent drains never hand the
	// same message to two workers.
	headMu sync.Mutex
}

// QueueOptions configure a queue at creation time.
type QueueOptions struct {
	EnqueueHook    EnqueueHook
	DequeueHandler DequeueHandler
}

// NewNamedQueue opens (creating if needed) the queue directory and seeds
// the sequence counter from the highest existing message so a restarted
// process keeps appending in order.
func NewNamedQueue(ctx context.Context, store blob.Store, mount, name string, opts QueueOptions, logger *zap.Logger) (*NamedQueue, error) {
	if name == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "queue name is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := strings.TrimSuffix(mount, "/") + "/" + name
	if err := store.Mkdir(ctx, dir); err != nil {
		return nil, err
	}
	q := &NamedQueue{
		name:    name,
		dir:     dir,
		store:   store,
		hook:    opts.EnqueueHook,
		handler: opts.DequeueHandler,
		logger:  logger,
	}
	entries, err := store.Ls(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if n, ok := messageSeq(e.Name); ok && n > q.seq.Load() {
			q.seq.Store(n)
		}
	}
	return q, nil
}

// Name returns the queue name.
func (q *NamedQueue) Name() string { return q.name }

// HasDequeueHandler reports whether a handler is attached; the worker
// loop only drains queues that have one.
func (q *NamedQueue) HasDequeueHandler() bool { return q.handler != nil }

// Enqueue writes one message and returns its id. Any value that is not
// already a string is marshaled to JSON first.
func (q *NamedQueue) Enqueue(ctx context.Context, data any) (string, error) {
	payload, err := encodePayload(data)
	if err != nil {
		return "", err
	}
	if q.hook != nil {
		payload, err = q.hook.BeforeEnqueue(ctx, payload)
		if err != nil {
			return "", err
		}
	}
	msg := Message{
		ID:         uuid.NewString(),
		Data:       payload,
		EnqueuedAt: types.NowTimestamp(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", vkerr.Wrap(vkerr.KindInvalidArgument, err, "marshal queue message")
	}
	name := fmt.Sprintf("%020d_%s.json", q.seq.Add(1), msg.ID)
	if err := q.store.Write(ctx, q.dir+"/"+name, body); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Peek returns the head message without removing it, or nil when the
// queue is empty.
func (q *NamedQueue) Peek(ctx context.Context) (*Message, error) {
	name, err := q.headName(ctx)
	if err != nil || name == "" {
		return nil, err
	}
	return q.readMessage(ctx, name)
}

// Dequeue removes and returns the head message, or nil when the queue
// is empty. It does not touch the processing counters; the worker loop
// brackets processing with OnDequeueStart and a report.
func (q *NamedQueue) Dequeue(ctx context.Context) (*Message, error) {
	q.headMu.Lock()
	defer q.headMu.Unlock()
	name, err := q.headName(ctx)
	if err != nil || name == "" {
		return nil, err
	}
	msg, err := q.readMessage(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := q.store.Rm(ctx, q.dir+"/"+name, false); err != nil {
		return nil, err
	}
	return msg, nil
}

// Size counts the messages currently stored.
func (q *NamedQueue) Size(ctx context.Context) (int, error) {
	entries, err := q.store.Ls(ctx, q.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if _, ok := messageSeq(e.Name); ok {
			n++
		}
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(n))
	return n, nil
}

// Clear removes every stored message. Counters are untouched.
func (q *NamedQueue) Clear(ctx context.Context) error {
	entries, err := q.store.Ls(ctx, q.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := messageSeq(e.Name); !ok {
			continue
		}
		if err := q.store.Rm(ctx, q.dir+"/"+e.Name, false); err != nil && !vkerr.IsKind(err, vkerr.KindNotFound) {
			return err
		}
	}
	return nil
}

// OnDequeueStart marks one message as in flight. The worker loop calls
// it before spawning the processing task so a drained queue with work
// still running never reads as complete.
func (q *NamedQueue) OnDequeueStart() {
	q.inProgress.Add(1)
}

// ReportSuccess closes out one in-flight message as processed.
func (q *NamedQueue) ReportSuccess() {
	q.inProgress.Add(-1)
	q.processedTotal.Add(1)
	metrics.RecordQueueProcessed(q.name, "success")
}

// ReportError closes out one in-flight message as failed.
func (q *NamedQueue) ReportError(reason string, msg *Message) {
	q.inProgress.Add(-1)
	q.errorCount.Add(1)
	metrics.RecordQueueProcessed(q.name, "error")
	id := ""
	if msg != nil {
		id = msg.ID
	}
	q.logger.Error("Queue message failed",
		zap.String("queue", q.name),
		zap.String("message_id", id),
		zap.String("reason", reason))
}

// ProcessDequeued runs the handler on one message and issues exactly one
// report. The caller must have called OnDequeueStart for this message.
func (q *NamedQueue) ProcessDequeued(ctx context.Context, msg *Message) {
	ctx, span := tracing.StartSpan(ctx, "queue "+q.name)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			q.ReportError(fmt.Sprintf("handler panic: %v", r), msg)
		}
	}()
	if q.handler == nil {
		q.ReportSuccess()
		return
	}
	if err := q.handler.HandleDequeue(ctx, msg); err != nil {
		q.ReportError(err.Error(), msg)
		return
	}
	q.ReportSuccess()
}

// Status snapshots the counters. IsComplete means nothing is stored and
// nothing is in flight.
func (q *NamedQueue) Status(ctx context.Context) (QueueStatus, error) {
	size, err := q.Size(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	inProgress := q.inProgress.Load()
	return QueueStatus{
		QueueSize:      size,
		InProgress:     inProgress,
		ProcessedTotal: q.processedTotal.Load(),
		ErrorCount:     q.errorCount.Load(),
		IsComplete:     size == 0 && inProgress == 0,
	}, nil
}

// ErrorCount returns the failed-message count.
func (q *NamedQueue) ErrorCount() int64 { return q.errorCount.Load() }

func (q *NamedQueue) headName(ctx context.Context) (string, error) {
	entries, err := q.store.Ls(ctx, q.dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if _, ok := messageSeq(e.Name); ok {
			return e.Name, nil
		}
	}
	return "", nil
}

func (q *NamedQueue) readMessage(ctx context.Context, name string) (*Message, error) {
	body, err := q.store.Read(ctx, q.dir+"/"+name, 0, -1)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, vkerr.Wrap(vkerr.KindSchemaError, err, "decode queue message %s", name)
	}
	return &msg, nil
}

func encodePayload(data any) (string, error) {
	switch v := data.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return "", vkerr.Wrap(vkerr.KindInvalidArgument, err, "marshal queue payload")
		}
		return string(body), nil
	}
}

// messageSeq parses the sequence prefix of a message file name.
func messageSeq(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(name[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
