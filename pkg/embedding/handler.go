package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/queue"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vectorindex"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

// TextEmbeddingHandler drains the Embedding queue: decode the message,
// embed its text, stamp the vectors onto the node, and upsert it into
// the index. A nil return acknowledges the message, so the skip paths
// (shutdown in progress, non-text payload) return nil rather than an
// error to keep those messages from being counted as failures.
type TextEmbeddingHandler struct {
	index    *vectorindex.Index
	embedder Embedder
	logger   *zap.Logger
}

func NewTextEmbeddingHandler(index *vectorindex.Index, embedder Embedder, logger *zap.Logger) *TextEmbeddingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextEmbeddingHandler{index: index, embedder: embedder, logger: logger}
}

// HandleDequeue implements queue.DequeueHandler.
func (h *TextEmbeddingHandler) HandleDequeue(ctx context.Context, msg *queue.Message) error {
	if msg == nil || msg.Data == "" {
		return nil
	}
	emsg, err := types.ParseEmbeddingMsg([]byte(msg.Data))
	if err != nil {
		return vkerr.Wrap(vkerr.KindSchemaError, err, "decode embedding message %s", msg.ID)
	}
	if h.index.Closing() {
		h.logger.Debug("Index is closing, skipping embedding message",
			zap.String("message_id", msg.ID),
			zap.String("uri", emsg.ContextData.URI))
		return nil
	}

	text, ok := emsg.MessageString()
	if !ok {
		h.logger.Warn("Embedding message is not text, skipping",
			zap.String("message_id", msg.ID),
			zap.String("uri", emsg.ContextData.URI))
		return nil
	}
	if h.embedder == nil {
		return vkerr.New(vkerr.KindUnavailable, "embedder not configured")
	}

	res, err := h.embedder.Embed(ctx, text)
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "embed text for %q", emsg.ContextData.URI)
	}

	node := emsg.ContextData
	if len(res.Dense) > 0 {
		if want := h.index.Dimension(); len(res.Dense) != want {
			return vkerr.New(vkerr.KindSchemaError,
				"dense vector dimension mismatch: expected %d, got %d", want, len(res.Dense))
		}
		node.Vector = res.Dense
	}
	if len(res.Sparse) > 0 {
		node.SparseVector = res.Sparse
	}
	if node.URI != "" {
		account := node.AccountID
		if account == "" {
			account = identity.DefaultAccountID
		}
		node.ID = types.NodeID(account, node.URI)
	}

	if _, err := h.index.Upsert(ctx, node.ToRecord()); err != nil {
		if h.index.Closing() {
			h.logger.Debug("Upsert failed during shutdown, tolerated",
				zap.String("uri", node.URI), zap.Error(err))
			return nil
		}
		return err
	}

	h.logger.Debug("Embedded context node",
		zap.String("uri", node.URI),
		zap.Int("level", int(node.Level)),
		zap.Int("dimension", len(res.Dense)))
	return nil
}
