package sop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBuildAndQuery(t *testing.T) {
	sopDir := t.TempDir()
	writeDoc(t, sopDir, "clamp.md", "# Clamp fault\n\nIf the fixture clamp is stuck, release pneumatic pressure and reseat the DUT.")
	writeDoc(t, sopDir, "power/psu.txt", "Power supply overvoltage: switch off the bench PSU and check the fuse.")
	writeDoc(t, sopDir, "ignored.pdf", "binary")

	ix, err := Open(filepath.Join(t.TempDir(), "index", "sop.db"), sopDir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	_, err = ix.Query(context.Background(), "clamp", 3)
	assert.ErrorIs(t, err, ErrIndexEmpty)

	stats, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, stats, ix.Stats())

	passages, err := ix.Query(context.Background(), "fixture clamp stuck at station 4", 3)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Equal(t, "clamp.md", passages[0].Source)
	assert.Contains(t, passages[0].Content, "pneumatic")

	passages, err = ix.Query(context.Background(), "PSU fuse", 3)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Equal(t, "power/psu.txt", passages[0].Source)
}

func TestBuildReplacesPreviousContent(t *testing.T) {
	sopDir := t.TempDir()
	writeDoc(t, sopDir, "a.md", "alpha procedure")

	ix, err := Open("", sopDir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	_, err = ix.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(sopDir, "a.md")))
	writeDoc(t, sopDir, "b.md", "beta procedure")
	stats, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)

	passages, err := ix.Query(context.Background(), "alpha", 3)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestStatsSurviveReopen(t *testing.T) {
	sopDir := t.TempDir()
	writeDoc(t, sopDir, "a.md", "reboot the controller")
	dbPath := filepath.Join(t.TempDir(), "sop.db")

	ix, err := Open(dbPath, sopDir, zerolog.Nop())
	require.NoError(t, err)
	_, err = ix.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	reopened, err := Open(dbPath, sopDir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	assert.Equal(t, 1, reopened.Stats().Documents)
}

func TestBuildMissingDirectory(t *testing.T) {
	ix, err := Open("", filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	stats, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
}

func TestMatchExpression(t *testing.T) {
	assert.Equal(t, `"clamp" OR "stuck"`, matchExpression("Clamp stuck! clamp"))
	assert.Empty(t, matchExpression("? !"))
}

func TestChunkText(t *testing.T) {
	para := strings.Repeat("x", 50)
	text := strings.Join([]string{para, para, para}, "\n\n")
	chunks := chunkText(text, 110)
	require.Len(t, chunks, 2)
	assert.Equal(t, para+"\n\n"+para, chunks[0])
}
