package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirListAndUpdate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "posts"), 0o755))
	for name, body := range map[string]string{
		"posts/b.html": "<p>b</p>",
		"posts/a.md":   "a",
		"index.htm":    "<p>i</p>",
		"notes.txt":    "skip",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
	}

	d := NewDir(root)
	ctx := context.Background()

	docs, err := d.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "index.htm", docs[0].ID)
	assert.Equal(t, "posts/a.md", docs[1].ID)
	assert.Equal(t, "<p>b</p>", docs[2].Content)

	page, err := d.List(ctx, 2, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, err = d.List(ctx, -1, 5)
	assert.Error(t, err)

	doc := page[0]
	doc.Content = "<p>changed</p>"
	require.NoError(t, d.Update(ctx, doc))

	data, err := os.ReadFile(doc.Path)
	require.NoError(t, err)
	assert.Equal(t, "<p>changed</p>", string(data))
}
