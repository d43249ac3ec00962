package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirExistsAndFileExists(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs", "nested")
	require.NoError(t, EnsureDirExists(dir))
	require.NoError(t, EnsureDirExists(dir), "existing directory is fine")

	assert.False(t, FileExists(dir), "directories are not files")

	file := filepath.Join(dir, "config.yaml")
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, []byte("SSE_URL: \"\"\n"), 0o600))
	assert.True(t, FileExists(file))
}

func TestEditorCommandPrefersEnv(t *testing.T) {
	if !Linux() {
		t.Skip("EDITOR is only consulted on Linux")
	}

	t.Setenv("EDITOR", "nano")
	assert.Equal(t, "nano", EditorCommand())

	t.Setenv("EDITOR", "")
	assert.Equal(t, "xdg-open", EditorCommand())
}
