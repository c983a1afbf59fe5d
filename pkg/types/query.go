package types

// TypedQuery is one retrieval request against a single context type.
// An empty ContextType searches all types.
type TypedQuery struct {
	Query             string      `json:"query"`
	ContextType       ContextType `json:"context_type,omitempty"`
	Intent            string      `json:"intent,omitempty"`
	Priority          int         `json:"priority,omitempty"`
	TargetDirectories []string    `json:"target_directories,omitempty"`
}

// QueryPlan is the output of intent analysis: the queries to run for the
// user's current message given its session context.
type QueryPlan struct {
	Queries   []TypedQuery `json:"queries"`
	Reasoning string       `json:"reasoning,omitempty"`
}

// RelatedContext is one relation attached to a matched result, with its
// level-0 abstract for display.
type RelatedContext struct {
	URI      string `json:"uri"`
	Abstract string `json:"abstract"`
}

// MatchedContext is one retrieval hit after score blending.
type MatchedContext struct {
	URI         string           `json:"uri"`
	ContextType ContextType      `json:"context_type"`
	Level       ContextLevel     `json:"level"`
	Abstract    string           `json:"abstract"`
	Category    string           `json:"category,omitempty"`
	Score       float64          `json:"score"`
	Relations   []RelatedContext `json:"relations,omitempty"`
}

// QueryResult is the outcome of one TypedQuery execution.
type QueryResult struct {
	Query               TypedQuery       `json:"query"`
	MatchedContexts     []MatchedContext `json:"matched_contexts"`
	SearchedDirectories []string         `json:"searched_directories"`
}

// FindResult groups hits by context type, the shape find/search return.
type FindResult struct {
	Memories  []MatchedContext `json:"memories"`
	Resources []MatchedContext `json:"resources"`
	Skills    []MatchedContext `json:"skills"`
	QueryPlan *QueryPlan       `json:"query_plan,omitempty"`
	Results   []QueryResult    `json:"query_results,omitempty"`
}

// Add routes a matched context into its type bucket.
func (f *FindResult) Add(m MatchedContext) {
	switch m.ContextType {
	case ContextTypeMemory:
		f.Memories = append(f.Memories, m)
	case ContextTypeSkill:
		f.Skills = append(f.Skills, m)
	default:
		f.Resources = append(f.Resources, m)
	}
}
