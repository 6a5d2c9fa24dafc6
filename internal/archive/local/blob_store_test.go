package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "eastmoney/ab/abc123.json", "application/json", strings.NewReader(`{"k":1}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(base, "eastmoney", "ab", "abc123.json"))
	require.NoError(t, err)
	require.Equal(t, `{"k":1}`, string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "nested", "blobs")
	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
