package vectordb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking-go/pkg/filter"
)

var testPathFields = map[string]bool{"uri": true, "parent_uri": true}

func compileExpr(t *testing.T, e filter.Expr) map[string]any {
	t.Helper()
	f, err := filter.Compile(e)
	require.NoError(t, err)
	return f
}

func TestMatchFilterEmpty(t *testing.T) {
	rec := Record{"uri": "viking://resources/docs"}
	assert.True(t, matchFilter(rec, nil, testPathFields))
	assert.True(t, matchFilter(rec, map[string]any{}, testPathFields))
}

func TestMatchFilterPathEquality(t *testing.T) {
	dir := Record{"uri": "viking://resources/docs", "parent_uri": "viking://resources"}
	file := Record{"uri": "viking://resources/docs/guide.md", "parent_uri": "viking://resources/docs"}

	exact := compileExpr(t, filter.Eq{Field: "uri", Value: "viking://resources/docs"})
	assert.True(t, matchFilter(dir, exact, testPathFields))
	assert.False(t, matchFilter(file, exact, testPathFields))

	children := compileExpr(t, filter.Eq{Field: "parent_uri", Value: "viking://resources/docs"})
	assert.True(t, matchFilter(file, children, testPathFields))
	assert.False(t, matchFilter(dir, children, testPathFields))
}

func TestMatchFilterPathTrailingSlashMatchesDescendants(t *testing.T) {
	dir := Record{"uri": "viking://resources/docs"}
	file := Record{"uri": "viking://resources/docs/guide.md"}
	nested := Record{"uri": "viking://resources/docs/api/ref.md"}

	subtree := compileExpr(t, filter.In{Field: "uri", Values: filter.Strings("viking://resources/docs/")})
	assert.False(t, matchFilter(dir, subtree, testPathFields))
	assert.True(t, matchFilter(file, subtree, testPathFields))
	assert.True(t, matchFilter(nested, subtree, testPathFields))
}

func TestMatchFilterPrefix(t *testing.T) {
	dir := Record{"uri": "viking://resources/docs"}
	file := Record{"uri": "viking://resources/docs/guide.md"}
	sibling := Record{"uri": "viking://resources/docs-archive"}

	prefix := compileExpr(t, filter.Prefix{Field: "uri", Value: "viking://resources/docs"})
	assert.True(t, matchFilter(dir, prefix, testPathFields))
	assert.True(t, matchFilter(file, prefix, testPathFields))
	// Prefix matching respects path segment boundaries.
	assert.False(t, matchFilter(sibling, prefix, testPathFields))
}

func TestMatchFilterMustNot(t *testing.T) {
	rec := Record{"uri": "viking://resources/docs", "context_type": "resource"}

	keep := map[string]any{"op": "must_not", "field": "context_type", "conds": []any{"memory"}}
	assert.True(t, matchFilter(rec, keep, testPathFields))

	drop := map[string]any{"op": "must_not", "field": "context_type", "conds": []any{"resource"}}
	assert.False(t, matchFilter(rec, drop, testPathFields))
}

func TestMatchFilterNumericCoercion(t *testing.T) {
	rec := Record{"level": int64(2), "active_count": float64(7)}

	assert.True(t, matchFilter(rec, compileExpr(t, filter.Eq{Field: "level", Value: 2}), testPathFields))
	assert.True(t, matchFilter(rec, compileExpr(t, filter.In{Field: "level", Values: []any{0, 1, 2}}), testPathFields))
	assert.False(t, matchFilter(rec, compileExpr(t, filter.Eq{Field: "level", Value: 1}), testPathFields))
	assert.True(t, matchFilter(rec, compileExpr(t, filter.Eq{Field: "active_count", Value: 7}), testPathFields))
}

func TestMatchFilterRange(t *testing.T) {
	rec := Record{"active_count": int64(5)}

	assert.True(t, matchFilter(rec, compileExpr(t, filter.Range{Field: "active_count", GTE: 5}), testPathFields))
	assert.False(t, matchFilter(rec, compileExpr(t, filter.Range{Field: "active_count", GT: 5}), testPathFields))
	assert.True(t, matchFilter(rec, compileExpr(t, filter.Range{Field: "active_count", GT: 4, LTE: 5}), testPathFields))
	assert.False(t, matchFilter(rec, compileExpr(t, filter.Range{Field: "active_count", LT: 5}), testPathFields))
}

func TestMatchFilterTimeRange(t *testing.T) {
	rec := Record{"created_at": "2026-02-10T08:00:00Z"}
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// RFC 3339 timestamps order lexically.
	since := compileExpr(t, filter.TimeRange{Field: "created_at", Start: cutoff})
	assert.True(t, matchFilter(rec, since, testPathFields))
	until := compileExpr(t, filter.TimeRange{Field: "created_at", End: cutoff})
	assert.False(t, matchFilter(rec, until, testPathFields))
}

func TestMatchFilterContains(t *testing.T) {
	rec := Record{"tags": "golang,storage,vector"}

	assert.True(t, matchFilter(rec, compileExpr(t, filter.Contains{Field: "tags", Substring: "storage"}), testPathFields))
	assert.False(t, matchFilter(rec, compileExpr(t, filter.Contains{Field: "tags", Substring: "python"}), testPathFields))
}

func TestMatchFilterBoolNesting(t *testing.T) {
	rec := Record{
		"uri":          "viking://user/alice/memories/pref.md",
		"account_id":   "acct-1",
		"context_type": "memory",
		"level":        int64(2),
	}

	f := compileExpr(t, filter.And{Conds: []filter.Expr{
		filter.Eq{Field: "account_id", Value: "acct-1"},
		filter.Eq{Field: "context_type", Value: "memory"},
		filter.Or{Conds: []filter.Expr{
			filter.Eq{Field: "level", Value: 0},
			filter.Eq{Field: "level", Value: 2},
		}},
	}})
	assert.True(t, matchFilter(rec, f, testPathFields))

	f = compileExpr(t, filter.And{Conds: []filter.Expr{
		filter.Eq{Field: "account_id", Value: "acct-1"},
		filter.Eq{Field: "context_type", Value: "resource"},
	}})
	assert.False(t, matchFilter(rec, f, testPathFields))
}

func TestMatchFilterMissingFieldAndUnknownOp(t *testing.T) {
	rec := Record{"uri": "viking://resources/docs"}

	assert.False(t, matchFilter(rec, compileExpr(t, filter.Eq{Field: "owner_space", Value: "s1"}), testPathFields))
	assert.False(t, matchFilter(rec, map[string]any{"op": "fuzzy", "field": "uri"}, testPathFields))
}
