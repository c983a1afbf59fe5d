package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking-go/pkg/filter"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vectordb"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

func aliceContext() identity.RequestContext {
	return identity.RequestContext{
		Role:       identity.RoleUser,
		AccountID:  "acct-1",
		UserSpace:  "alice",
		AgentSpace: "assistant",
	}
}

// seedTenantRecords plants records across two accounts and three owner
// spaces so scope filters have something to exclude.
func seedTenantRecords(t *testing.T, ix *Index, ctx context.Context) {
	t.Helper()
	seed := []vectordb.Record{
		{
			"uri": "viking://resources/docs", "level": 0,
			"account_id": "acct-1", "owner_space": "", "context_type": "resource",
			"vector": []float32{1, 0, 0, 0},
		},
		{
			"uri": "viking://resources/docs/guide.md", "parent_uri": "viking://resources/docs", "level": 2,
			"account_id": "acct-1", "owner_space": "", "context_type": "resource",
			"vector": []float32{0.9, 0.1, 0, 0},
		},
		{
			"uri": "viking://user/alice/memories/pref.md", "level": 2,
			"account_id": "acct-1", "owner_space": "alice", "context_type": "memory",
			"vector": []float32{0, 1, 0, 0},
		},
		{
			"uri": "viking://agent/assistant/memories/obs.md", "level": 2,
			"account_id": "acct-1", "owner_space": "assistant", "context_type": "memory",
			"vector": []float32{0, 0, 1, 0},
		},
		{
			"uri": "viking://user/bob/memories/b.md", "level": 2,
			"account_id": "acct-1", "owner_space": "bob", "context_type": "memory",
			"vector": []float32{0, 0, 0, 1},
		},
		{
			"uri": "viking://user/carol/memories/c.md", "level": 2,
			"account_id": "acct-2", "owner_space": "carol", "context_type": "memory",
			"vector": []float32{0.5, 0.5, 0, 0},
		},
	}
	for _, rec := range seed {
		mustUpsert(t, ix, ctx, rec)
	}
}

func recordURIs(records []vectordb.Record) []string {
	uris := make([]string, 0, len(records))
	for _, rec := range records {
		if u, ok := rec["uri"].(string); ok {
			uris = append(uris, u)
		}
	}
	return uris
}

func TestSearchInTenantScopesToCaller(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	records, err := ix.SearchInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Limit:  10,
	})
	require.NoError(t, err)
	uris := recordURIs(records)
	assert.ElementsMatch(t, []string{
		"viking://resources/docs",
		"viking://resources/docs/guide.md",
		"viking://user/alice/memories/pref.md",
		"viking://agent/assistant/memories/obs.md",
	}, uris)
	assert.NotContains(t, uris, "viking://user/bob/memories/b.md")
	assert.NotContains(t, uris, "viking://user/carol/memories/c.md")
}

func TestSearchInTenantRootSeesEverything(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	records, err := ix.SearchInTenant(ctx, identity.Default(), TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestSearchInTenantContextTypeAndDirectories(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	records, err := ix.SearchInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector:      []float32{1, 0, 0, 0},
		ContextType: "memory",
		Limit:       10,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"viking://user/alice/memories/pref.md",
		"viking://agent/assistant/memories/obs.md",
	}, recordURIs(records))

	records, err = ix.SearchInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector:            []float32{1, 0, 0, 0},
		TargetDirectories: []string{"viking://user/alice"},
		Limit:             10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://user/alice/memories/pref.md"}, recordURIs(records))
}

func TestSearchInTenantExtraFilter(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	// A pre-compiled wire node is ANDed into the scope as-is.
	records, err := ix.SearchInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Extra:  map[string]any{"op": "must", "field": "context_type", "conds": []any{"memory"}},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// So is a typed expression.
	records, err = ix.SearchInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Extra:  filter.Eq{Field: "uri", Value: "viking://resources/docs"},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://resources/docs"}, recordURIs(records))

	_, err = ix.SearchInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Extra:  42,
	})
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindInvalidArgument))
}

func TestSearchGlobalRootsInTenant(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	// No query vector, no results.
	records, err := ix.SearchGlobalRootsInTenant(ctx, aliceContext(), TenantSearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = ix.SearchGlobalRootsInTenant(ctx, aliceContext(), TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://resources/docs"}, recordURIs(records))
}

func TestSearchChildrenInTenant(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	records, err := ix.SearchChildrenInTenant(ctx, aliceContext(), "viking://resources/docs", TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://resources/docs/guide.md"}, recordURIs(records))

	records, err = ix.SearchChildrenInTenant(ctx, aliceContext(), "viking://resources/empty", TenantSearchOptions{
		Vector: []float32{1, 0, 0, 0},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSearchSimilarMemories(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	// Account-wide when no owner space is pinned: every detail-level
	// memory in acct-1, whichever space owns it.
	records, err := ix.SearchSimilarMemories(ctx, "acct-1", "", "", []float32{0, 1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	records, err = ix.SearchSimilarMemories(ctx, "acct-1", "alice", "", []float32{0, 1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://user/alice/memories/pref.md"}, recordURIs(records))

	records, err = ix.SearchSimilarMemories(ctx, "acct-1", "", "viking://user/bob/memories", []float32{0, 1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"viking://user/bob/memories/b.md"}, recordURIs(records))
}

func TestGetContextByURI(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	records, err := ix.GetContextByURI(ctx, "acct-1", "viking://user/alice/memories/pref.md", "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0]["owner_space"])

	// Pinning the wrong owner space hides the record.
	records, err = ix.GetContextByURI(ctx, "acct-1", "viking://user/alice/memories/pref.md", "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Wrong account likewise.
	records, err = ix.GetContextByURI(ctx, "acct-2", "viking://user/alice/memories/pref.md", "", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeleteAccountData(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	deleted, err := ix.DeleteAccountData(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	count, err := ix.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteURIsGuardsOwnerSpaces(t *testing.T) {
	ix, ctx := newTestIndex(t)
	seedTenantRecords(t, ix, ctx)

	// Alice cannot reach Bob's space even inside her own account.
	deleted, err := ix.DeleteURIs(ctx, aliceContext(), []string{"viking://user/bob/memories"})
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	rec, err := ix.FetchByURI(ctx, "viking://user/bob/memories/b.md")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	// Her own subtree goes.
	deleted, err = ix.DeleteURIs(ctx, aliceContext(), []string{"viking://user/alice/memories"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// Shared resources carry no owner guard, only the account bound.
	deleted, err = ix.DeleteURIs(ctx, aliceContext(), []string{"viking://resources/docs"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// Root reaches any space.
	deleted, err = ix.DeleteURIs(ctx, identity.RequestContext{Role: identity.RoleRoot, AccountID: "acct-1"}, []string{"viking://user/bob/memories"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// Other accounts were never touched.
	count, err := ix.Count(ctx, filter.Eq{Field: "account_id", Value: "acct-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateURIMappingKeepsIDAndVector(t *testing.T) {
	ix, ctx := newTestIndex(t)

	rc := aliceContext()
	oldURI := "viking://user/alice/memories/old.md"
	id := mustUpsert(t, ix, ctx, vectordb.Record{
		"uri":         oldURI,
		"parent_uri":  "viking://user/alice/memories",
		"account_id":  rc.AccountID,
		"owner_space": "alice",
		"level":       2,
		"vector":      []float32{0.25, 0.5, 0.25, 0.5},
	})

	moved, err := ix.UpdateURIMapping(ctx, rc, oldURI, "viking://user/alice/memories/new.md", "viking://user/alice/memories")
	require.NoError(t, err)
	assert.True(t, moved)

	rec, err := ix.FetchByURI(ctx, oldURI)
	require.NoError(t, err)
	assert.Nil(t, rec)

	records, err := ix.Query(ctx, vectordb.QueryOptions{
		Filter:     filter.Eq{Field: "uri", Value: "viking://user/alice/memories/new.md"},
		Limit:      1,
		WithVector: true,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0]["id"])
	assert.Equal(t, "viking://user/alice/memories", records[0]["parent_uri"])
	assert.Equal(t, []float32{0.25, 0.5, 0.25, 0.5}, records[0]["vector"])

	moved, err = ix.UpdateURIMapping(ctx, rc, "viking://user/alice/memories/ghost.md", "viking://user/alice/memories/x.md", "viking://user/alice/memories")
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestIncrementActiveCount(t *testing.T) {
	ix, ctx := newTestIndex(t)

	rc := aliceContext()
	mustUpsert(t, ix, ctx, vectordb.Record{
		"uri":          "viking://user/alice/memories/warm.md",
		"account_id":   rc.AccountID,
		"owner_space":  "alice",
		"level":        2,
		"active_count": 2,
		"vector":       []float32{0, 1, 0, 0},
	})
	mustUpsert(t, ix, ctx, vectordb.Record{
		"uri":         "viking://user/alice/memories/cold.md",
		"account_id":  rc.AccountID,
		"owner_space": "alice",
		"level":       2,
		"vector":      []float32{0, 0, 1, 0},
	})

	updated, err := ix.IncrementActiveCount(ctx, rc, []string{
		"viking://user/alice/memories/warm.md",
		"viking://user/alice/memories/cold.md",
		"viking://user/alice/memories/ghost.md",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	records, err := ix.GetContextByURI(ctx, rc.AccountID, "viking://user/alice/memories/warm.md", "", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 3, intValue(records[0]["active_count"]))

	records, err = ix.GetContextByURI(ctx, rc.AccountID, "viking://user/alice/memories/cold.md", "", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 1, intValue(records[0]["active_count"]))

	// The bump rewrites the record with its vector intact.
	withVec, err := ix.Query(ctx, vectordb.QueryOptions{
		Filter:     filter.Eq{Field: "uri", Value: "viking://user/alice/memories/warm.md"},
		Limit:      1,
		WithVector: true,
	})
	require.NoError(t, err)
	require.Len(t, withVec, 1)
	assert.Equal(t, []float32{0, 1, 0, 0}, withVec[0]["vector"])
}

func TestTenantFilterShape(t *testing.T) {
	assert.Nil(t, tenantFilter(identity.Default()))

	tf := tenantFilter(aliceContext())
	require.NotNil(t, tf)
	compiled, err := filter.Compile(tf)
	require.NoError(t, err)
	require.Equal(t, "and", compiled["op"])
	conds, ok := compiled["conds"].([]any)
	require.True(t, ok)
	require.Len(t, conds, 2)
	account, ok := conds[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "account_id", account["field"])
	spaces, ok := conds[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "owner_space", spaces["field"])
	assert.Equal(t, []any{"alice", "assistant", ""}, spaces["conds"])
}

func TestSimilarMemoriesLimitDefault(t *testing.T) {
	ix, ctx := newTestIndex(t)

	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		mustUpsert(t, ix, ctx, vectordb.Record{
			"uri":          "viking://user/alice/memories/" + name + ".md",
			"account_id":   "acct-1",
			"owner_space":  "alice",
			"context_type": string(types.ContextTypeMemory),
			"level":        2,
			"vector":       []float32{0, 1, 0, 0},
		})
	}

	records, err := ix.SearchSimilarMemories(ctx, "acct-1", "", "", []float32{0, 1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}
