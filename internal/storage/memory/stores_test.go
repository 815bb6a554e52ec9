package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

func TestPageStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	checked := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewPageStore(
		crawler.TrackedPage{ID: "b", URL: "https://vw.example.com/offers", SiteID: "vw", Category: crawler.CategoryOffers},
		crawler.TrackedPage{ID: "a", URL: "https://vw.example.com/", SiteID: "vw", Category: crawler.CategoryHomepage, LastCheckedAt: &checked},
	)

	pages, err := store.ListPages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "a", pages[0].ID)

	// Mutating a returned page must not leak into the store.
	*pages[0].LastCheckedAt = checked.Add(time.Hour)
	got, err := store.GetPage(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, checked, *got.LastCheckedAt)

	got.ConsecutiveNoChangeCount = 3
	require.NoError(t, store.SavePage(ctx, got))
	got, err = store.GetPage(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 3, got.ConsecutiveNoChangeCount)

	_, err = store.GetPage(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Error(t, store.SavePage(ctx, crawler.TrackedPage{}))
}

func TestSnapshotStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSnapshotStore()

	snap, err := store.LoadSnapshot(ctx, crawler.KindProduct, "atlas")
	require.NoError(t, err)
	require.Nil(t, snap)

	page := "https://vw.example.com/models"
	require.NoError(t, store.SaveSnapshot(ctx, crawler.Snapshot{
		EntityType: crawler.KindProduct, EntityID: "atlas", PageURL: page, Title: "Atlas",
		Fields: map[string]any{"price": 41000.0},
	}))
	require.NoError(t, store.SaveSnapshot(ctx, crawler.Snapshot{
		EntityType: crawler.KindProduct, EntityID: "taos", PageURL: page, Title: "Taos",
	}))
	require.NoError(t, store.SaveSnapshot(ctx, crawler.Snapshot{
		EntityType: crawler.KindOffer, EntityID: "apr", PageURL: page, Title: "0% APR",
	}))

	snap, err = store.LoadSnapshot(ctx, crawler.KindProduct, "atlas")
	require.NoError(t, err)
	require.Equal(t, 41000.0, snap.Fields["price"])
	snap.Fields["price"] = 1.0

	again, err := store.LoadSnapshot(ctx, crawler.KindProduct, "atlas")
	require.NoError(t, err)
	require.Equal(t, 41000.0, again.Fields["price"])

	list, err := store.ListSnapshots(ctx, page, crawler.KindProduct)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Atlas", list[0].Title)

	require.Error(t, store.SaveSnapshot(ctx, crawler.Snapshot{}))
}
