package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		assert.Equal(t, "renders/oem/page-1.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>hi</html>")
		fmt.Fprintln(w, `{"name":"renders/oem/page-1.html","bucket":"archive"}`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "archive", Prefix: "/renders/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "oem/page-1.html", "text/html", strings.NewReader("<html>hi</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/renders/oem/page-1.html", uri)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(newTestClient(t, http.NotFoundHandler()), Config{Bucket: "archive"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "archive"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "page.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
