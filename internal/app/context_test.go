package app

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/config"
)

func TestOpenUsesDefaultsWithoutConfig(t *testing.T) {
	ws, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 5, ws.Config.Tree.DisplayDepth)
	require.NoError(t, ws.DB.Ping())
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("tree:\n  display_depth: 3\n"), 0o644))
	ws, err := Open(dir, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 3, ws.Config.Tree.DisplayDepth)
	assert.Equal(t, "/v0", ws.Config.Server.BasePath)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("tree:\n  display_depth: 0\n"), 0o644))
	_, err := Open(dir, nil)
	assert.Error(t, err)
}
