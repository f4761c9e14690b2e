package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindWorkspaceRoot(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "WORKSPACE"), nil, 0644))
	dir := filepath.Join(root, "java", "com", "foo")
	require.NoError(t, os.MkdirAll(dir, 0755))

	found, rel, err := FindWorkspaceRoot(dir)
	assert.NoError(t, err)
	assert.Equal(t, root, found)
	assert.Equal(t, "java/com/foo", rel)

	found, rel, err = FindWorkspaceRoot(root)
	assert.NoError(t, err)
	assert.Equal(t, root, found)
	assert.Equal(t, ".", rel)
}

func TestFindWorkspaceRootPrefersConfigFile(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "WORKSPACE"), nil, 0644))
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, ConfigFileName), nil, 0644))

	found, _, err := FindWorkspaceRoot(filepath.Join(sub, "pkg"))
	assert.NoError(t, err)
	assert.Equal(t, sub, found)
}
