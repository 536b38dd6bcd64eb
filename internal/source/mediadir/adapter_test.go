package mediadir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestAdapterWalk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.png"))
	writeFile(t, filepath.Join(root, "cats", "a.JPG"))
	writeFile(t, filepath.Join(root, "clips", "c.mp4"))
	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, filepath.Join(root, ".hidden.png"))
	writeFile(t, filepath.Join(root, ".cache", "d.png"))

	a := NewAdapter("media", root)
	n, err := a.GetTotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, cursor, done, err := a.FetchBatch(context.Background(), "", 10)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "3", cursor)
	require.Len(t, items, 3)

	assert.Equal(t, "b.png", items[0].SourceID)
	assert.Equal(t, "photo", items[0].ContentType)
	assert.NotContains(t, items[0].Metadata, "category")

	assert.Equal(t, "cats/a.JPG", items[1].SourceID)
	assert.Equal(t, "cats", items[1].Metadata["category"])
	assert.Equal(t, filepath.Join(root, "cats", "a.JPG"), items[1].LocalPath)

	assert.Equal(t, "video", items[2].ContentType)
}

func TestAdapterMissingRoot(t *testing.T) {
	_, _, _, err := NewAdapter("m", filepath.Join(t.TempDir(), "missing")).FetchBatch(context.Background(), "", 1)
	assert.Error(t, err)
}

func TestContentTypeForExt(t *testing.T) {
	assert.Equal(t, "photo", ContentTypeForExt(".WEBP"))
	assert.Equal(t, "video", ContentTypeForExt(".mov"))
	assert.Equal(t, "", ContentTypeForExt(".pdf"))
}
