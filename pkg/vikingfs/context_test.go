package vikingfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

func TestWriteContextMaterializesDirectory(t *testing.T) {
	fs, ctx := newTestFS(t)
	rc := aliceRC()
	target := "viking://resources/docs"

	require.NoError(t, fs.WriteContext(ctx, rc, target, WriteContextOptions{
		Content:  []byte("# Docs\n"),
		Abstract: "Project documentation",
		Overview: "Longer overview",
	}))

	e, err := fs.Stat(ctx, rc, target)
	require.NoError(t, err)
	assert.True(t, e.IsDir)

	content, err := fs.ReadFile(ctx, rc, target+"/content.md")
	require.NoError(t, err)
	assert.Equal(t, "# Docs\n", content)

	abstract, err := fs.Abstract(ctx, rc, target)
	require.NoError(t, err)
	assert.Equal(t, "Project documentation", abstract)

	overview, err := fs.Overview(ctx, rc, target)
	require.NoError(t, err)
	assert.Equal(t, "Longer overview", overview)
}

func TestWriteContextSkipsEmptyPieces(t *testing.T) {
	fs, ctx := newTestFS(t)
	rc := aliceRC()
	target := "viking://resources/sparse"

	require.NoError(t, fs.WriteContext(ctx, rc, target, WriteContextOptions{
		Abstract: "Only the abstract",
	}))

	hasContent, err := fs.Exists(ctx, rc, target+"/content.md")
	require.NoError(t, err)
	assert.False(t, hasContent)

	_, err = fs.Overview(ctx, rc, target)
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindNotFound))

	abstract, err := fs.Abstract(ctx, rc, target)
	require.NoError(t, err)
	assert.Equal(t, "Only the abstract", abstract)
}

func TestWriteContextCustomFilename(t *testing.T) {
	fs, ctx := newTestFS(t)
	rc := aliceRC()
	target := "viking://agent/assistant/skills/deploy"

	require.NoError(t, fs.WriteContext(ctx, rc, target, WriteContextOptions{
		Content:         []byte("steps"),
		ContentFilename: "skill.md",
	}))

	content, err := fs.ReadFile(ctx, rc, target+"/skill.md")
	require.NoError(t, err)
	assert.Equal(t, "steps", content)
}

func TestAbstractRequiresDirectory(t *testing.T) {
	fs, ctx := newTestFS(t)
	rc := aliceRC()
	require.NoError(t, fs.WriteFile(ctx, rc, "viking://resources/plain.md", "text"))

	_, err := fs.Abstract(ctx, rc, "viking://resources/plain.md")
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindInvalidArgument))
}

func TestAbstractMissingTarget(t *testing.T) {
	fs, ctx := newTestFS(t)
	_, err := fs.Abstract(ctx, aliceRC(), "viking://resources/absent")
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindNotFound))
}

func TestAbstractNotGeneratedYet(t *testing.T) {
	fs, ctx := newTestFS(t)
	rc := aliceRC()
	require.NoError(t, fs.Mkdir(ctx, rc, "viking://resources/fresh"))

	_, err := fs.Abstract(ctx, rc, "viking://resources/fresh")
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindNotFound))
}
