package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/types"
)

// maxRecentMessages bounds how much session history feeds intent
// analysis.
const maxRecentMessages = 5

const intentSystemPrompt = `You turn a user message into retrieval queries over a layered memory store. Reply with JSON: {"queries": [{"query": "...", "context_type": "memory|resource|skill", "intent": "..."}], "reasoning": "..."}. Use at most 3 queries; omit context_type to search everything. Output only JSON.`

// ChatMessage is one prior session turn fed to intent analysis.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IntentContext is the session state informing intent analysis. All
// fields are optional.
type IntentContext struct {
	// Summary is the compressed session summary.
	Summary string
	// Recent holds the latest turns, newest last.
	Recent []ChatMessage
	// TargetType biases query typing when the caller searches under a
	// directory whose context type is known.
	TargetType types.ContextType
	// TargetAbstract describes that directory.
	TargetAbstract string
}

// IntentAnalyzer turns the user's message plus recent session turns
// into a typed retrieval plan.
type IntentAnalyzer struct {
	llm    LLM
	logger *zap.Logger
}

// NewIntentAnalyzer builds an analyzer. llm may be nil; analysis then
// always falls back to a single untyped query.
func NewIntentAnalyzer(llm LLM, logger *zap.Logger) *IntentAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentAnalyzer{llm: llm, logger: logger}
}

// Analyze never fails: when the LLM is missing, errors out, or returns
// an unusable plan, the result is a single query (typed by the target
// hint when one exists) so retrieval still proceeds.
func (a *IntentAnalyzer) Analyze(ctx context.Context, query string, session IntentContext) types.QueryPlan {
	fallback := types.QueryPlan{Queries: []types.TypedQuery{{
		Query:       query,
		ContextType: session.TargetType,
		Intent:      "retrieve",
	}}}
	if a.llm == nil || strings.TrimSpace(query) == "" {
		return fallback
	}

	text, err := a.llm.Complete(ctx, CompletionRequest{
		System:      intentSystemPrompt,
		Prompt:      buildIntentPrompt(query, session),
		MaxTokens:   500,
		Temperature: 0.1,
	})
	if err != nil {
		a.logger.Warn("Intent analysis failed, using fallback plan", zap.Error(err))
		return fallback
	}

	var plan types.QueryPlan
	if err := json.Unmarshal([]byte(extractJSON(text)), &plan); err != nil {
		a.logger.Warn("Intent analysis returned malformed plan", zap.Error(err))
		return fallback
	}

	queries := make([]types.TypedQuery, 0, len(plan.Queries))
	for _, q := range plan.Queries {
		if strings.TrimSpace(q.Query) == "" {
			continue
		}
		switch q.ContextType {
		case types.ContextTypeMemory, types.ContextTypeResource, types.ContextTypeSkill, "":
		default:
			q.ContextType = ""
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return fallback
	}
	plan.Queries = queries
	return plan
}

func buildIntentPrompt(query string, session IntentContext) string {
	recent := session.Recent
	if len(recent) > maxRecentMessages {
		recent = recent[len(recent)-maxRecentMessages:]
	}
	var b strings.Builder
	if session.Summary != "" {
		fmt.Fprintf(&b, "Session summary: %s\n\n", session.Summary)
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	if session.TargetType != "" {
		fmt.Fprintf(&b, "Search target type: %s\n", session.TargetType)
	}
	if session.TargetAbstract != "" {
		fmt.Fprintf(&b, "Search target: %s\n", session.TargetAbstract)
	}
	fmt.Fprintf(&b, "User message: %s", query)
	return b.String()
}
