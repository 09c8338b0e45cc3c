package local

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiblingWebP(t *testing.T) {
	assert.Equal(t, "/u/2024/05/img.webp", SiblingWebP("/u/2024/05/img.jpg"))
	assert.Equal(t, "/u/img-300x200.webp", SiblingWebP("/u/img-300x200.png"))
	assert.Equal(t, "/u/img.webp", SiblingWebP("/u/img.webp"))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.webp")

	require.NoError(t, WriteFile(path, []byte("first")))
	require.NoError(t, WriteFile(path, []byte("second")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	assert.True(t, Exists(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestWriteFileMissingDir(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "missing", "img.webp"), []byte("x"))

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(filepath.Join(dir, "nope.webp")))
	assert.False(t, Exists(dir))
}

func TestRelPath(t *testing.T) {
	rel, err := RelPath("/srv/uploads", "/srv/uploads/2024/05/img.webp")
	require.NoError(t, err)
	assert.Equal(t, "2024/05/img.webp", rel)

	_, err = RelPath("/srv/uploads", "/etc/passwd")
	assert.Error(t, err)
}
