package semantic

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/metrics"
	"github.com/openviking/openviking-go/pkg/queue"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// SemanticMsg is the Semantic queue payload: one subtree to (re)index
// and the identity it belongs to.
type SemanticMsg struct {
	URI         string `json:"uri"`
	AccountID   string `json:"account_id"`
	OwnerSpace  string `json:"owner_space,omitempty"`
	ContextType string `json:"context_type,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// Handler drains the Semantic queue: one DAG walk per message. Walks
// for distinct messages never overlap because the queue dequeues one
// message at a time; concurrency lives inside the walk.
type Handler struct {
	processor *Processor
	maxLLM    int
	logger    *zap.Logger
}

// NewHandler builds the queue handler. maxConcurrentLLM <= 0 uses the
// executor default.
func NewHandler(processor *Processor, maxConcurrentLLM int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{processor: processor, maxLLM: maxConcurrentLLM, logger: logger}
}

// HandleDequeue implements queue.DequeueHandler.
func (h *Handler) HandleDequeue(ctx context.Context, msg *queue.Message) error {
	if msg == nil || msg.Data == "" {
		return nil
	}

	var sm SemanticMsg
	if err := json.Unmarshal([]byte(msg.Data), &sm); err != nil {
		return vkerr.Wrap(vkerr.KindSchemaError, err, "decode semantic message %s", msg.ID)
	}
	if sm.URI == "" {
		return vkerr.New(vkerr.KindInvalidArgument, "semantic message %s has no uri", msg.ID)
	}

	account := sm.AccountID
	if account == "" {
		account = identity.DefaultAccountID
	}
	// The walk runs as root on behalf of the message's owner: queue
	// consumers have no caller credentials to inherit.
	rc := identity.RequestContext{
		Role:       identity.RoleRoot,
		AccountID:  account,
		UserSpace:  sm.OwnerSpace,
		AgentSpace: sm.OwnerSpace,
	}

	contextType := types.ContextType(sm.ContextType)
	if contextType == "" {
		contextType = types.InferContextType(sm.URI)
	}

	exec := NewExecutor(h.processor, rc, ExecutorOptions{
		ContextType:      contextType,
		Instruction:      sm.Instruction,
		MaxConcurrentLLM: h.maxLLM,
		Logger:           h.logger,
	})
	started := time.Now()
	err := exec.Run(ctx, sm.URI)
	stats := exec.GetStats()
	if err != nil {
		metrics.RecordSemanticWalk("error", time.Since(started).Seconds(), stats.DoneNodes)
		return err
	}
	metrics.RecordSemanticWalk("success", time.Since(started).Seconds(), stats.TotalNodes)

	h.logger.Info("Semantic walk complete",
		zap.String("uri", sm.URI),
		zap.String("account_id", account),
		zap.Int("nodes", stats.TotalNodes))
	return nil
}
