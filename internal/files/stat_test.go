package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatHelpers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(file, []byte("1;"), 0644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(file, link))

	assert.True(t, IsFile(file))
	assert.False(t, IsFile(dir))
	assert.False(t, IsFile(link))
	assert.False(t, IsFile(filepath.Join(dir, "missing")))

	assert.True(t, IsDir(dir))
	assert.False(t, IsDir(file))

	assert.True(t, IsSymlink(link))
	assert.False(t, IsSymlink(file))
}

func TestRelink(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(a, 0755))
	require.NoError(t, os.Mkdir(b, 0755))
	link := filepath.Join(dir, "custom")

	require.NoError(t, Relink(a, link))
	got, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	require.NoError(t, Relink(b, link))
	got, err = os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	// a real directory in the way is never removed
	assert.Error(t, Relink(a, b))
	assert.True(t, IsDir(b))
}
