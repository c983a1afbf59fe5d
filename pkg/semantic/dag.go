package semantic

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

const defaultMaxConcurrentLLM = 100

// DagStats is a snapshot of walk progress. A node is one directory or
// one file; failed nodes count as done.
type DagStats struct {
	TotalNodes      int `json:"total_nodes"`
	PendingNodes    int `json:"pending_nodes"`
	InProgressNodes int `json:"in_progress_nodes"`
	DoneNodes       int `json:"done_nodes"`
}

// ExecutorOptions configure one walk.
type ExecutorOptions struct {
	ContextType types.ContextType
	// Instruction steers summarization and forces regeneration of
	// existing overviews when set.
	Instruction string
	// MaxConcurrentLLM bounds concurrent file summarizations across
	// the whole walk. Defaults to 100.
	MaxConcurrentLLM int
	Logger           *zap.Logger
}

// Executor walks one subtree post-order: a directory's files are
// summarized concurrently under the LLM bound, its subdirectories are
// processed before it, and the root directory goes last so every
// overview folds in finished child abstracts.
type Executor struct {
	processor   *Processor
	rc          identity.RequestContext
	contextType types.ContextType
	instruction string
	sem         chan struct{}
	logger      *zap.Logger

	mu         sync.Mutex
	total      int
	inProgress int
	done       int
	failed     int
}

// NewExecutor builds an executor for a single Run call. Executors are
// not reusable across runs; counters accumulate.
func NewExecutor(p *Processor, rc identity.RequestContext, opts ExecutorOptions) *Executor {
	maxLLM := opts.MaxConcurrentLLM
	if maxLLM <= 0 {
		maxLLM = defaultMaxConcurrentLLM
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		processor:   p,
		rc:          rc,
		contextType: opts.ContextType,
		instruction: opts.Instruction,
		sem:         make(chan struct{}, maxLLM),
		logger:      logger,
	}
}

type dagNode struct {
	uri     string
	subdirs []*dagNode
	files   []string
}

// Run processes the subtree rooted at rootURI. A failed node is logged
// and skipped; its siblings and ancestors keep going. Run returns an
// error when listing the tree fails or when any node failed.
func (e *Executor) Run(ctx context.Context, rootURI string) error {
	root, err := e.build(ctx, rootURI)
	if err != nil {
		return err
	}
	e.execDir(ctx, root)

	e.mu.Lock()
	failed, total := e.failed, e.total
	e.mu.Unlock()
	if failed > 0 {
		return vkerr.New(vkerr.KindUnknown, "semantic processing failed for %d of %d nodes", failed, total)
	}
	return nil
}

// build lists the subtree up front so stats report a stable total.
// Dot-prefixed entries are generated artifacts, not inputs.
func (e *Executor) build(ctx context.Context, dirURI string) (*dagNode, error) {
	entries, err := e.processor.fs.Ls(ctx, e.rc, dirURI)
	if err != nil {
		return nil, err
	}
	n := &dagNode{uri: dirURI}
	e.mu.Lock()
	e.total++
	e.mu.Unlock()
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name, ".") {
			continue
		}
		child := uri.Join(dirURI, entry.Name)
		if entry.IsDir {
			sub, err := e.build(ctx, child)
			if err != nil {
				return nil, err
			}
			n.subdirs = append(n.subdirs, sub)
		} else {
			n.files = append(n.files, child)
			e.mu.Lock()
			e.total++
			e.mu.Unlock()
		}
	}
	return n, nil
}

// execDir processes one directory node after its subtree. ok is false
// when the directory itself failed; its abstract then never reaches the
// parent overview.
func (e *Executor) execDir(ctx context.Context, n *dagNode) (string, bool) {
	var children []childAbstract
	for _, sub := range n.subdirs {
		abs, ok := e.execDir(ctx, sub)
		if ok {
			children = append(children, childAbstract{Name: uri.Name(sub.uri), Abstract: abs})
		}
	}

	summaries := e.summarizeFiles(ctx, n)

	e.start()
	abstract, err := e.processor.processDirectory(ctx, e.rc, n.uri, e.contextType, e.instruction, summaries, children)
	e.finish(err == nil)
	if err != nil {
		e.logger.Warn("Directory semantic processing failed",
			zap.String("uri", n.uri),
			zap.Error(err))
		return "", false
	}
	return abstract, true
}

// summarizeFiles fans the directory's files out under the global LLM
// bound and returns the summaries that succeeded, in listing order.
func (e *Executor) summarizeFiles(ctx context.Context, n *dagNode) []FileSummary {
	if len(n.files) == 0 {
		return nil
	}
	out := make([]FileSummary, len(n.files))
	succeeded := make([]bool, len(n.files))
	var wg sync.WaitGroup
	for i, fileURI := range n.files {
		wg.Add(1)
		go func(i int, fileURI string) {
			defer wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()

			e.start()
			sum, err := e.processor.fileSummary(ctx, e.rc, fileURI, e.instruction)
			if err == nil {
				err = e.processor.vectorizeFile(ctx, e.rc, n.uri, e.contextType, fileURI, sum)
			}
			e.finish(err == nil)
			if err != nil {
				e.logger.Warn("File semantic processing failed",
					zap.String("uri", fileURI),
					zap.Error(err))
				return
			}
			out[i] = sum
			succeeded[i] = true
		}(i, fileURI)
	}
	wg.Wait()

	kept := make([]FileSummary, 0, len(out))
	for i := range out {
		if succeeded[i] {
			kept = append(kept, out[i])
		}
	}
	return kept
}

func (e *Executor) start() {
	e.mu.Lock()
	e.inProgress++
	e.mu.Unlock()
}

func (e *Executor) finish(success bool) {
	e.mu.Lock()
	e.inProgress--
	e.done++
	if !success {
		e.failed++
	}
	e.mu.Unlock()
}

// GetStats returns a point-in-time progress snapshot; it is safe to
// call concurrently with Run.
func (e *Executor) GetStats() DagStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DagStats{
		TotalNodes:      e.total,
		PendingNodes:    e.total - e.inProgress - e.done,
		InProgressNodes: e.inProgress,
		DoneNodes:       e.done,
	}
}
