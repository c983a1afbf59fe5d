// Package types holds the shared data model: context nodes, levels,
// queue messages, and retrieval query/result shapes.
package types

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ContextType is the coarse category of a stored node.
type ContextType string

const (
	ContextTypeResource ContextType = "resource"
	ContextTypeMemory   ContextType = "memory"
	ContextTypeSkill    ContextType = "skill"
)

// InferContextType derives the context type from a URI. Returns "" when
// the URI does not carry a recognizable marker.
func InferContextType(uri string) ContextType {
	switch {
	case strings.Contains(uri, "/memories"):
		return ContextTypeMemory
	case strings.Contains(uri, "/skills"):
		return ContextTypeSkill
	case strings.Contains(uri, "/resources"):
		return ContextTypeResource
	}
	return ""
}

// ContextLevel selects one of the three summary tiers of a directory.
type ContextLevel int

const (
	// LevelAbstract is the short summary stored in .abstract.md.
	LevelAbstract ContextLevel = 0
	// LevelOverview is the directory description stored in .overview.md.
	LevelOverview ContextLevel = 1
	// LevelDetail is the actual content of a leaf file.
	LevelDetail ContextLevel = 2
)

// Summary file names written into each directory.
const (
	AbstractFileName  = ".abstract.md"
	OverviewFileName  = ".overview.md"
	RelationsFileName = ".relations.json"
)

// LevelForURI maps a node URI to its index level by file name convention.
func LevelForURI(uri string) ContextLevel {
	switch {
	case strings.HasSuffix(uri, "/"+AbstractFileName):
		return LevelAbstract
	case strings.HasSuffix(uri, "/"+OverviewFileName):
		return LevelOverview
	}
	return LevelDetail
}

// NodeID derives the stable record id for a (account, uri) pair. One
// vector record per pair is the index invariant; this id enforces it.
func NodeID(accountID, uri string) string {
	sum := md5.Sum([]byte(accountID + ":" + uri))
	return hex.EncodeToString(sum[:])
}

// NowTimestamp renders the current UTC time in the persisted format.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ContextNode is one indexed record representing a URI at a given level.
type ContextNode struct {
	ID           string             `json:"id,omitempty"`
	URI          string             `json:"uri"`
	ParentURI    string             `json:"parent_uri,omitempty"`
	Type         string             `json:"type,omitempty"`
	ContextType  ContextType        `json:"context_type,omitempty"`
	Level        ContextLevel       `json:"level"`
	Name         string             `json:"name,omitempty"`
	Description  string             `json:"description,omitempty"`
	Tags         string             `json:"tags,omitempty"`
	Category     string             `json:"category,omitempty"`
	Abstract     string             `json:"abstract,omitempty"`
	Vector       []float32          `json:"vector,omitempty"`
	SparseVector map[string]float32 `json:"sparse_vector,omitempty"`
	AccountID    string             `json:"account_id,omitempty"`
	OwnerSpace   string             `json:"owner_space"`
	CreatedAt    string             `json:"created_at,omitempty"`
	UpdatedAt    string             `json:"updated_at,omitempty"`
	ActiveCount  int64              `json:"active_count"`
}

// ToRecord converts the node to the map form the vector adapters store.
func (n ContextNode) ToRecord() map[string]any {
	rec := map[string]any{
		"uri":          n.URI,
		"level":        int64(n.Level),
		"owner_space":  n.OwnerSpace,
		"active_count": n.ActiveCount,
	}
	if n.ID != "" {
		rec["id"] = n.ID
	}
	if n.ParentURI != "" {
		rec["parent_uri"] = n.ParentURI
	}
	if n.Type != "" {
		rec["type"] = n.Type
	}
	if n.ContextType != "" {
		rec["context_type"] = string(n.ContextType)
	}
	if n.Name != "" {
		rec["name"] = n.Name
	}
	if n.Description != "" {
		rec["description"] = n.Description
	}
	if n.Tags != "" {
		rec["tags"] = n.Tags
	}
	if n.Category != "" {
		rec["category"] = n.Category
	}
	if n.Abstract != "" {
		rec["abstract"] = n.Abstract
	}
	if len(n.Vector) > 0 {
		rec["vector"] = n.Vector
	}
	if len(n.SparseVector) > 0 {
		rec["sparse_vector"] = n.SparseVector
	}
	if n.AccountID != "" {
		rec["account_id"] = n.AccountID
	}
	if n.CreatedAt != "" {
		rec["created_at"] = n.CreatedAt
	}
	if n.UpdatedAt != "" {
		rec["updated_at"] = n.UpdatedAt
	}
	return rec
}

// EmbeddingMsg is the Embedding queue payload: the text to vectorize and
// the node it belongs to. Message is left loosely typed on purpose; the
// handler skips non-string payloads.
type EmbeddingMsg struct {
	Message     any         `json:"message"`
	ContextData ContextNode `json:"context_data"`
}

// MessageString returns the message when it is a plain string.
func (m EmbeddingMsg) MessageString() (string, bool) {
	s, ok := m.Message.(string)
	return s, ok
}

// ParseEmbeddingMsg decodes the queue payload.
func ParseEmbeddingMsg(data []byte) (EmbeddingMsg, error) {
	var msg EmbeddingMsg
	err := json.Unmarshal(data, &msg)
	return msg, err
}
