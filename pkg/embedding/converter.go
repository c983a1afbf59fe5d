package embedding

import (
	"github.com/openviking/openviking-go/pkg/types"
)

// NewEmbeddingMsg builds the Embedding queue payload for a node. ok is
// false when text is empty: nodes with nothing to vectorize never reach
// the queue. The node's level is rederived from the URI name convention
// so an .abstract.md or .overview.md cannot land on the wrong tier.
func NewEmbeddingMsg(text string, node types.ContextNode) (types.EmbeddingMsg, bool) {
	if text == "" {
		return types.EmbeddingMsg{}, false
	}
	node.Level = types.LevelForURI(node.URI)
	return types.EmbeddingMsg{Message: text, ContextData: node}, true
}

// NewEmbeddingMsgAtLevel is NewEmbeddingMsg with the level forced.
// Directory abstracts are indexed at the directory URI itself, which
// carries no level suffix, so their producers set level 0 explicitly.
func NewEmbeddingMsgAtLevel(text string, node types.ContextNode, level types.ContextLevel) (types.EmbeddingMsg, bool) {
	m, ok := NewEmbeddingMsg(text, node)
	if !ok {
		return types.EmbeddingMsg{}, false
	}
	m.ContextData.Level = level
	return m, true
}
