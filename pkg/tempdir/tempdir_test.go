package tempdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoot(t *testing.T) {
	explicit := filepath.Join(t.TempDir(), "explicit")
	offline := t.TempDir()

	got, err := Root(explicit, offline)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)
	assert.DirExists(t, got)

	got, err = Root("", offline)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(offline, "kachery-tmp"), got)
	assert.DirExists(t, got)

	got, err = Root("", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.TempDir(), "kachery-tmp"), got)
}

func TestWith_RemovesOnError(t *testing.T) {
	root := t.TempDir()
	var seen string
	boom := errors.New("boom")

	err := With(context.Background(), root, nil, func(dir string) error {
		seen = dir
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoDirExists(t, seen)
}

func stubRemoveAll(t *testing.T, failures int) *int {
	t.Helper()
	calls := 0
	removeAll = func(path string) error {
		calls++
		if calls <= failures {
			return errors.New("device busy")
		}
		return os.RemoveAll(path)
	}
	t.Cleanup(func() { removeAll = os.RemoveAll })
	return &calls
}

func TestRemove_Retries(t *testing.T) {
	calls := stubRemoveAll(t, 2)

	d, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	d.interval = time.Millisecond

	require.NoError(t, d.Remove(context.Background()))
	assert.Equal(t, 3, *calls)
	assert.NoDirExists(t, d.Path)
}

func TestRemove_GivesUpAfterFiveAttempts(t *testing.T) {
	calls := stubRemoveAll(t, 100)

	d, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	d.interval = time.Millisecond

	err = d.Remove(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 5, *calls)
	assert.DirExists(t, d.Path)
}
