// Package openviking assembles the memory system behind one handle:
// the blob store, the vector index, the embedding and completion
// clients, the hierarchical retriever, the virtual filesystem, the
// queue workers and the health registry, all built from a single
// config. Initialize wires them, Get returns the process singleton,
// Shutdown drains and closes in dependency order.
package openviking

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/config"
	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/health"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/queue"
	"github.com/openviking/openviking-go/pkg/retrieve"
	"github.com/openviking/openviking-go/pkg/semantic"
	"github.com/openviking/openviking-go/pkg/tracing"
	"github.com/openviking/openviking-go/pkg/vectorindex"
	"github.com/openviking/openviking-go/pkg/vikingfs"
)

// System bundles the wired subsystems. Build it with Initialize; the
// zero value is not usable.
type System struct {
	cfg    *config.Config
	logger *zap.Logger
	// ownLogger marks a logger built here, flushed on Shutdown.
	ownLogger bool

	store      blob.Store
	index      *vectorindex.Index
	embedder   *embedding.Service
	cache      *embedding.RedisCache
	llm        *semantic.LLMClient
	intent     *semantic.IntentAnalyzer
	retriever  *retrieve.Retriever
	fs         *vikingfs.FS
	queues     *queue.Manager
	health     *health.Manager
	metricsSrv *metrics.Server
}

// Process-wide system, installed by Initialize.
var system *System

// Get returns the initialized system, or nil before Initialize.
func Get() *System { return system }

// Reset forgets the process-wide system so tests can initialize a
// fresh one. It does not stop the previous system; call Shutdown first.
func Reset() { system = nil }

// Initialize builds every subsystem from cfg and installs the result
// as the process-wide system. A nil cfg loads defaults plus
// environment; a nil logger is built from the config's logging
// section. The embedding, completion and rerank clients are optional:
// without their base URLs the system still stores and serves content,
// with indexing and retrieval degraded accordingly.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*System, error) {
	var err error
	if cfg == nil {
		cfg, err = config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	ownLogger := false
	if logger == nil {
		logger, err = cfg.Logging.Build()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		ownLogger = true
	}
	s := &System{cfg: cfg, logger: logger, ownLogger: ownLogger}

	// Tracing failures cost observability, not correctness.
	if err := tracing.Initialize(cfg.Tracing.TracerConfig(), logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	s.store, err = blob.New(ctx, cfg.Blob, logger)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}

	s.index, err = vectorindex.New(ctx, cfg.VectorDB, logger)
	if err != nil {
		return nil, fmt.Errorf("create vector index: %w", err)
	}
	if _, err := s.index.EnsureCollection(ctx); err != nil {
		_ = s.index.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	// The embedder follows the index's vector width unless pinned.
	ecfg := cfg.Embedding.ClientConfig()
	if ecfg.Dimension == 0 {
		ecfg.Dimension = cfg.VectorDB.Dimension
	}
	var embedder embedding.Embedder
	if ecfg.BaseURL != "" {
		var cache embedding.Cache
		if ecfg.EnableRedis {
			rc, err := embedding.NewRedisCache(ecfg.RedisAddr)
			if err != nil {
				logger.Warn("Redis embedding cache unavailable, continuing without it",
					zap.String("addr", ecfg.RedisAddr), zap.Error(err))
			} else {
				s.cache = rc
				cache = rc
			}
		}
		s.embedder = embedding.New(ecfg, cache, logger)
		embedder = s.embedder
	} else {
		logger.Warn("No embedding endpoint configured, vector search disabled")
	}

	var llm semantic.LLM
	if cfg.LLM.BaseURL != "" {
		s.llm = semantic.NewLLMClient(cfg.LLM.ClientConfig(), logger)
		llm = s.llm
	} else {
		logger.Info("No completion endpoint configured, summaries degrade to head-of-content")
	}

	rcfg := cfg.Rerank.RetrieverConfig()
	var reranker retrieve.Reranker
	if rcfg.Available() {
		reranker = retrieve.NewHTTPReranker(rcfg, logger)
	}

	s.retriever = retrieve.NewRetriever(s.index, embedder, reranker, rcfg, logger)
	s.intent = semantic.NewIntentAnalyzer(llm, logger)
	s.fs = vikingfs.New(s.store, s.index, s.retriever, s.intent, logger)
	s.retriever.SetRelationSource(s.fs)

	s.queues = queue.Initialize(s.store, cfg.Queue, logger)
	embedHandler := embedding.NewTextEmbeddingHandler(s.index, embedder, logger)
	processor := semantic.NewProcessor(s.fs, s.enqueuer(queue.EmbeddingQueueName), llm, logger)
	semanticHandler := semantic.NewHandler(processor, s.queues.MaxConcurrentSemantic(), logger)
	if err := s.queues.SetupStandardQueues(ctx, embedHandler, semanticHandler); err != nil {
		_ = s.index.Close()
		queue.Reset()
		return nil, fmt.Errorf("set up queues: %w", err)
	}
	s.fs.SetSemanticQueue(s.enqueuer(queue.SemanticQueueName))

	s.health = health.NewManager(health.ManagerConfig{
		CheckInterval: cfg.Health.CheckInterval,
		Timeout:       cfg.Health.Timeout,
	}, logger)
	s.registerCheckers()
	if cfg.Health.Enabled {
		_ = s.health.Start()
	}

	if cfg.Metrics.Enabled {
		s.metricsSrv = metrics.StartServer(cfg.Metrics.Port, logger)
	}

	system = s
	logger.Info("OpenViking initialized",
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.String("vectordb_backend", cfg.VectorDB.Backend),
		zap.Bool("embedding", embedder != nil),
		zap.Bool("llm", llm != nil),
		zap.Bool("rerank", reranker != nil))
	return s, nil
}

func (s *System) registerCheckers() {
	_ = s.health.RegisterChecker(health.NewBlobChecker(s.store, s.logger))
	_ = s.health.RegisterChecker(health.NewVectorIndexChecker(s.index, s.logger))
	if s.cache != nil {
		w := s.cache.Wrapper()
		_ = s.health.RegisterChecker(health.NewRedisChecker(w.GetClient(), w, s.logger))
	}
	if s.embedder != nil {
		_ = s.health.RegisterChecker(health.NewEmbedderChecker(s.embedder, s.logger))
	}
	_ = s.health.RegisterChecker(health.NewCustomChecker("queues", false, 5*time.Second,
		func(ctx context.Context) health.CheckResult {
			return s.queueCheck(ctx)
		}))
}

// queueCheck reports queue depth and error counts as a health probe.
// Errors degrade rather than fail: a failed message is dropped work,
// not an outage.
func (s *System) queueCheck(ctx context.Context) health.CheckResult {
	result := health.CheckResult{Component: "queues", Timestamp: time.Now()}
	statuses, err := s.queues.CheckStatus(ctx, "")
	if err != nil {
		result.Status = health.StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Queue status unavailable"
		return result
	}
	details := map[string]interface{}{}
	var backlog int
	var failures int64
	for name, st := range statuses {
		backlog += st.QueueSize
		failures += st.ErrorCount
		details[name] = st
	}
	result.Details = details
	if failures > 0 {
		result.Status = health.StatusDegraded
		result.Message = fmt.Sprintf("%d queue messages failed", failures)
		return result
	}
	result.Status = health.StatusHealthy
	result.Message = fmt.Sprintf("%d messages queued", backlog)
	return result
}

// enqueuer binds a queue name onto the manager's Enqueue so components
// built before the queues exist can still feed them.
func (s *System) enqueuer(name string) semantic.Enqueuer {
	return enqueueFunc(func(ctx context.Context, data any) (string, error) {
		return s.queues.Enqueue(ctx, name, data)
	})
}

type enqueueFunc func(ctx context.Context, data any) (string, error)

func (f enqueueFunc) Enqueue(ctx context.Context, data any) (string, error) { return f(ctx, data) }

// Shutdown stops workers, closes handles and flushes tracing. Queue
// workers drain their in-flight messages before the index closes, so
// late upserts still land.
func (s *System) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.health != nil {
		keep(s.health.Stop())
	}
	keep(s.metricsSrv.Stop(ctx))
	if s.queues != nil {
		s.queues.Stop()
		if queue.Get() == s.queues {
			queue.Reset()
		}
	}
	if s.index != nil {
		keep(s.index.Close())
	}
	if s.cache != nil {
		keep(s.cache.Close())
	}
	keep(tracing.Shutdown(ctx))

	if system == s {
		system = nil
	}
	s.logger.Info("OpenViking stopped")
	if s.ownLogger {
		_ = s.logger.Sync()
	}
	return firstErr
}

// FS returns the virtual filesystem.
func (s *System) FS() *vikingfs.FS { return s.fs }

// Queues returns the queue manager.
func (s *System) Queues() *queue.Manager { return s.queues }

// Health returns the health registry.
func (s *System) Health() *health.Manager { return s.health }

// Index returns the tenant-scoped vector index.
func (s *System) Index() *vectorindex.Index { return s.index }

// Store returns the blob store.
func (s *System) Store() blob.Store { return s.store }

// Retriever returns the hierarchical retriever.
func (s *System) Retriever() *retrieve.Retriever { return s.retriever }

// Config returns the configuration the system was built from.
func (s *System) Config() *config.Config { return s.cfg }

// Logger returns the system logger.
func (s *System) Logger() *zap.Logger { return s.logger }
