package vkerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfThroughWrapChain(t *testing.T) {
	base := New(KindPermissionDenied, "uri %s not visible", "viking://agent/x")
	wrapped := fmt.Errorf("stat failed: %w", base)
	deeper := fmt.Errorf("ls failed: %w", wrapped)

	assert.Equal(t, KindPermissionDenied, KindOf(deeper))
	assert.True(t, IsKind(deeper, KindPermissionDenied))
	assert.False(t, IsKind(deeper, KindNotFound))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUnavailable, cause, "vectordb upsert")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsMatchesByKind(t *testing.T) {
	a := New(KindRecordNotFound, "record 1")
	b := New(KindRecordNotFound, "record 2")
	c := New(KindDuplicateKey, "record 1")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindCollectionNotFound: "collection_not_found",
		KindRecordNotFound:     "record_not_found",
		KindDuplicateKey:       "duplicate_key",
		KindSchemaError:        "schema_error",
		KindPermissionDenied:   "permission_denied",
		KindNotFound:           "not_found",
		KindInvalidArgument:    "invalid_argument",
		KindUnauthenticated:    "unauthenticated",
		KindTimeout:            "timeout",
		KindUnavailable:        "unavailable",
		KindUnknown:            "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindNotFound))
}
