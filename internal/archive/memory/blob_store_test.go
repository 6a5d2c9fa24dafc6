package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "nhc/raw.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://nhc/raw.html", uri)

	data, ok := store.Object("nhc/raw.html")
	require.True(t, ok)
	require.Equal(t, "<html></html>", string(data))

	_, ok = store.Object("missing")
	require.False(t, ok)
}
