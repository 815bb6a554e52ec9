package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/clock/system"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/storage/memory"
)

func TestStoreWritesHTMLAndExchanges(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	clock := system.NewFixed(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC))
	a, err := New(store, clock, "")
	require.NoError(t, err)

	body := `{"items":[]}`
	rec, err := a.Store(context.Background(),
		crawler.TrackedPage{ID: "page-1", SiteID: "oem"},
		crawler.RenderResponse{
			HTML: "<html>rendered</html>",
			Exchanges: []crawler.NetworkExchange{{
				URL: "https://oem.example/api/models", Method: "GET", StatusCode: 200,
				ContentType: "application/json", BodyText: &body,
			}},
		})
	require.NoError(t, err)
	require.Equal(t, "memory://renders/oem/page-1/20260301T083000Z/page.html", rec.HTMLURI)
	require.Equal(t, "memory://renders/oem/page-1/20260301T083000Z/exchanges.json", rec.ExchangesURI)

	html, err := store.Object("renders/oem/page-1/20260301T083000Z/page.html")
	require.NoError(t, err)
	require.Equal(t, "<html>rendered</html>", string(html))

	raw, err := store.Object("renders/oem/page-1/20260301T083000Z/exchanges.json")
	require.NoError(t, err)
	var exchanges []crawler.NetworkExchange
	require.NoError(t, json.Unmarshal(raw, &exchanges))
	require.Len(t, exchanges, 1)
	require.Equal(t, body, *exchanges[0].BodyText)
}

func TestStoreSkipsEmptyExchangesAndSanitizesPath(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a, err := New(store, system.NewFixed(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)), "/archive/")
	require.NoError(t, err)

	rec, err := a.Store(context.Background(),
		crawler.TrackedPage{ID: "../../etc", SiteID: "o e m"},
		crawler.RenderResponse{HTML: "x"})
	require.NoError(t, err)
	require.Empty(t, rec.ExchangesURI)
	require.Equal(t, []string{"archive/o_e_m/_.._etc/20260301T083000Z/page.html"}, store.Paths())
}

func TestStorePropagatesBlobErrors(t *testing.T) {
	t.Parallel()

	a, err := New(failingStore{}, system.New(), "")
	require.NoError(t, err)
	_, err = a.Store(context.Background(), crawler.TrackedPage{ID: "p", SiteID: "s"}, crawler.RenderResponse{HTML: "x"})
	require.Error(t, err)

	_, err = New(nil, system.New(), "")
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}
