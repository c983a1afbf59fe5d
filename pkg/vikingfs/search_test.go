package vikingfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/retrieve"
	"github.com/openviking/openviking-go/pkg/semantic"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vectorindex"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

type staticEmbedder struct {
	dense []float32
}

func (s *staticEmbedder) Embed(ctx context.Context, text string) (embedding.Result, error) {
	return embedding.Result{Dense: s.dense}, nil
}

func (s *staticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error) {
	out := make([]embedding.Result, len(texts))
	for i := range texts {
		out[i] = embedding.Result{Dense: s.dense}
	}
	return out, nil
}

func (s *staticEmbedder) Dimension() int { return len(s.dense) }

type scriptedLLM struct {
	reply string
}

func (s *scriptedLLM) Complete(ctx context.Context, req semantic.CompletionRequest) (string, error) {
	return s.reply, nil
}

// newSearchFS builds an FS over a seeded index: one memory, one
// resource directory with a file, and one skill, all near the fixed
// query vector.
func newSearchFS(t *testing.T, intent *semantic.IntentAnalyzer) (*FS, context.Context) {
	t.Helper()
	ctx := context.Background()
	ix, err := vectorindex.New(ctx, vectordb.Config{
		Backend:   "local",
		Path:      t.TempDir(),
		Dimension: 4,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	created, err := ix.EnsureCollection(ctx)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { _ = ix.Close() })

	retriever := retrieve.NewRetriever(ix, &staticEmbedder{dense: []float32{1, 0, 0, 0}}, nil, retrieve.RerankConfig{}, zaptest.NewLogger(t))
	fs := New(blob.NewMemoryStore(), ix, retriever, intent, zaptest.NewLogger(t))

	seeds := []vectordb.Record{
		{
			"uri":          "viking://user/alice/memories/pref",
			"parent_uri":   "viking://user/alice/memories",
			"account_id":   "acct-1",
			"owner_space":  "alice",
			"context_type": "memory",
			"level":        2,
			"abstract":     "coffee preference",
			"vector":       []float32{0.9, 0.1, 0, 0},
		},
		{
			"uri":          "viking://resources/docs",
			"parent_uri":   "viking://resources",
			"account_id":   "acct-1",
			"owner_space":  "",
			"context_type": "resource",
			"level":        0,
			"abstract":     "documentation",
			"vector":       []float32{1, 0, 0, 0},
		},
		{
			"uri":          "viking://resources/docs/guide.md",
			"parent_uri":   "viking://resources/docs",
			"account_id":   "acct-1",
			"owner_space":  "",
			"context_type": "resource",
			"level":        2,
			"abstract":     "install guide",
			"vector":       []float32{0.9, 0.1, 0, 0},
		},
		{
			"uri":          "viking://agent/assistant/skills/deploy",
			"parent_uri":   "viking://agent/assistant/skills",
			"account_id":   "acct-1",
			"owner_space":  "assistant",
			"context_type": "skill",
			"level":        2,
			"abstract":     "deploy skill",
			"vector":       []float32{0.8, 0.2, 0, 0},
		},
	}
	for _, rec := range seeds {
		_, err := ix.Upsert(ctx, rec)
		require.NoError(t, err)
	}
	return fs, ctx
}

func bucketURIs(ms []types.MatchedContext) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.URI)
	}
	return out
}

func TestFindBucketsByType(t *testing.T) {
	fs, ctx := newSearchFS(t, nil)

	out, err := fs.Find(ctx, aliceRC(), "project knowledge", FindOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"viking://user/alice/memories/pref"}, bucketURIs(out.Memories))
	assert.ElementsMatch(t, []string{
		"viking://resources/docs",
		"viking://resources/docs/guide.md",
	}, bucketURIs(out.Resources))
	assert.Equal(t, []string{"viking://agent/assistant/skills/deploy"}, bucketURIs(out.Skills))
	assert.Nil(t, out.QueryPlan)
	assert.Empty(t, out.Results)
}

func TestFindWithTargetScopesToSubtree(t *testing.T) {
	fs, ctx := newSearchFS(t, nil)

	out, err := fs.Find(ctx, aliceRC(), "install", FindOptions{Target: "viking://resources/docs"})
	require.NoError(t, err)

	assert.Empty(t, out.Memories)
	assert.Empty(t, out.Skills)
	assert.ElementsMatch(t, []string{
		"viking://resources/docs",
		"viking://resources/docs/guide.md",
	}, bucketURIs(out.Resources))
}

func TestFindDeniedTarget(t *testing.T) {
	fs, ctx := newSearchFS(t, nil)

	_, err := fs.Find(ctx, aliceRC(), "secrets", FindOptions{Target: "viking://user/bob/memories"})
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindPermissionDenied))
}

func TestSearchFansOutWithoutTarget(t *testing.T) {
	fs, ctx := newSearchFS(t, nil)

	out, err := fs.Search(ctx, aliceRC(), "project knowledge", SearchOptions{})
	require.NoError(t, err)

	require.Len(t, out.Results, 3)
	assert.Equal(t, types.ContextTypeMemory, out.Results[0].Query.ContextType)
	assert.Equal(t, types.ContextTypeResource, out.Results[1].Query.ContextType)
	assert.Equal(t, types.ContextTypeSkill, out.Results[2].Query.ContextType)
	assert.Equal(t, []string{
		"viking://user/alice/memories",
		"viking://agent/assistant/memories",
	}, out.Results[0].SearchedDirectories)

	assert.Equal(t, []string{"viking://user/alice/memories/pref"}, bucketURIs(out.Memories))
	assert.ElementsMatch(t, []string{
		"viking://resources/docs",
		"viking://resources/docs/guide.md",
	}, bucketURIs(out.Resources))
	assert.Equal(t, []string{"viking://agent/assistant/skills/deploy"}, bucketURIs(out.Skills))
	assert.Nil(t, out.QueryPlan)
}

func TestSearchWithTargetRunsSingleTypedQuery(t *testing.T) {
	fs, ctx := newSearchFS(t, nil)

	out, err := fs.Search(ctx, aliceRC(), "how to deploy", SearchOptions{
		Target: "viking://agent/assistant/skills",
	})
	require.NoError(t, err)

	require.Len(t, out.Results, 1)
	assert.Equal(t, types.ContextTypeSkill, out.Results[0].Query.ContextType)
	assert.Equal(t, []string{"viking://agent/assistant/skills"}, out.Results[0].Query.TargetDirectories)
	assert.Equal(t, []string{"viking://agent/assistant/skills/deploy"}, bucketURIs(out.Skills))
	assert.Empty(t, out.Memories)
	assert.Empty(t, out.Resources)
}

func TestSearchWithSessionUsesIntentPlan(t *testing.T) {
	plan := `{"queries":[{"query":"coffee preferences","context_type":"memory","intent":"retrieve","priority":1}],"reasoning":"profile lookup"}`
	intent := semantic.NewIntentAnalyzer(&scriptedLLM{reply: plan}, zaptest.NewLogger(t))
	fs, ctx := newSearchFS(t, intent)

	out, err := fs.Search(ctx, aliceRC(), "what do I usually drink", SearchOptions{
		Session: &SessionInfo{
			Summary: "morning routine conversation",
			Messages: []semantic.ChatMessage{
				{Role: "user", Content: "tell me about my mornings"},
			},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, out.QueryPlan)
	assert.Equal(t, "profile lookup", out.QueryPlan.Reasoning)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "coffee preferences", out.Results[0].Query.Query)
	assert.Equal(t, []string{"viking://user/alice/memories/pref"}, bucketURIs(out.Memories))
}

func TestSearchWithoutRetriever(t *testing.T) {
	fs, ctx := newTestFS(t)

	_, err := fs.Find(ctx, aliceRC(), "anything", FindOptions{})
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindUnavailable))

	_, err = fs.Search(ctx, aliceRC(), "anything", SearchOptions{})
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindUnavailable))
}
