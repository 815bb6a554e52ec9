package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	stored, err := store.Object("path/page.html")
	require.NoError(t, err)
	require.Equal(t, "content", string(stored))
	require.Equal(t, []string{"path/page.html"}, store.Paths())

	_, err = store.Object("missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
