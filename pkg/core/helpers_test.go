package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// mustWriteFile writes data into a fresh temp dir and returns the path.
func mustWriteFile(t *testing.T, data []byte, msgAndArgs ...any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644), msgAndArgs...)
	return path
}

// pattern returns n deterministic, non-repeating-looking bytes.
func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}
