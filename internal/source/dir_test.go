package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore lays out a content root with two types and three items.
func newTestStore(t *testing.T) *DirSource {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "post"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "product"), 0o755))

	files := map[string]string{
		"post/hello.md":      "Hello World\n\nFirst post body.",
		"post/second.md":     "Second Post\n\nMore body text.",
		"product/widget.txt": "Widget Deluxe\nCompact widget, sensible defaults.",
	}
	for path, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, path), []byte(content), 0o644))
	}

	src, err := NewDirSource(root)
	require.NoError(t, err)
	return src
}

func TestDirSource_Types(t *testing.T) {
	src := newTestStore(t)

	types, err := src.Types(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"post", "product"}, types)
}

func TestDirSource_Scan_AllTypes(t *testing.T) {
	src := newTestStore(t)

	items, err := src.Scan(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestDirSource_Scan_FilteredByType(t *testing.T) {
	src := newTestStore(t)

	items, err := src.Scan(context.Background(), "post")
	require.NoError(t, err)
	require.Len(t, items, 2)

	for _, item := range items {
		assert.Equal(t, "post", item.Type)
		assert.NotEmpty(t, item.Title)
		assert.NotEmpty(t, item.Content)
	}
}

func TestDirSource_FetchBatch_OmitsMissingIDs(t *testing.T) {
	src := newTestStore(t)

	items, err := src.FetchBatch(context.Background(), "post", []string{"hello.md", "gone.md", "second.md"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "hello.md", items[0].ID)
	assert.Equal(t, "Hello World", items[0].Title)
	assert.Equal(t, "second.md", items[1].ID)
}

func TestNewDirSource_MissingRoot(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
