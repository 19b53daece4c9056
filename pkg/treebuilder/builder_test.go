package treebuilder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"kachery/pkg/core"
	"kachery/pkg/ignore"
	"kachery/pkg/storage/disk"
	"kachery/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func diskBuilder(t *testing.T) (*Builder, *disk.Adapter) {
	t.Helper()
	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	storeFile := func(ctx context.Context, p string) (types.Hash, error) {
		s, err := store.StoreByCopy(ctx, p, false)
		if err != nil {
			return "", err
		}
		return s.Hash, nil
	}
	storeIndex := func(ctx context.Context, d *Dir) (types.Hash, error) {
		data, err := core.CompactJSON(d)
		if err != nil {
			return "", err
		}
		return store.StoreBytes(ctx, data)
	}
	return NewBuilder(storeFile, storeIndex, nil), store
}

func TestBuilder_Build(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":          "content-a",
		"sub/b.txt":      "content-b",
		"sub/deep/c.txt": "content-c",
		"skip.log":       "noise",
		".git/HEAD":      "ref",
		ignore.FileName:  "*.log\n",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))

	b, store := diskBuilder(t)
	h, index, err := b.Build(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, FileEntry{Size: 9, Sha1: core.SumString("content-a")}, index.Files["a.txt"])
	assert.NotContains(t, index.Files, "skip.log")
	assert.NotContains(t, index.Files, ignore.FileName)
	assert.NotContains(t, index.Dirs, ".git")
	require.Contains(t, index.Dirs, "empty")
	assert.Empty(t, index.Dirs["empty"].Files)

	e, err := index.Lookup("sub/deep/c.txt")
	require.NoError(t, err)
	assert.Equal(t, core.SumString("content-c"), e.Sha1)

	// the stored index decodes to the same tree and every file is stored
	raw, err := store.ReadAll(ctx, h)
	require.NoError(t, err)
	var decoded Dir
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, index.Files, decoded.Files)
	for _, p := range []string{"a.txt", "sub/b.txt", "sub/deep/c.txt"} {
		e, err := decoded.Lookup(p)
		require.NoError(t, err, p)
		ok, err := store.Has(ctx, e.Sha1)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{"x/1": "one", "x/2": "two", "y": "why"}

	rootA, rootB := t.TempDir(), t.TempDir()
	writeTree(t, rootA, files)
	writeTree(t, rootB, files)

	b, _ := diskBuilder(t)
	ha, _, err := b.Build(ctx, rootA)
	require.NoError(t, err)
	hb, _, err := b.Build(ctx, rootB)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestDir_Lookup(t *testing.T) {
	d := newDir()
	d.addFile("a/b/c.txt", FileEntry{Size: 1, Sha1: "h"})

	tests := []struct {
		path string
		ok   bool
	}{
		{"a/b/c.txt", true},
		{"/a/b/c.txt", true},
		{"a/b", false},
		{"a/x/c.txt", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := d.Lookup(tt.path)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNoSuchEntry)
			}
		})
	}
}
