package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/clock/system"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/id/uuid"
)

const pageURL = "https://www.vw.example.com/en/models.html"

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New("vw", cfg, uuid.New(), system.NewFixed(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), nil)
	require.NoError(t, err)
	return d
}

func atlas(price float64) crawler.ExtractedRecord {
	return crawler.NewProductRecord(crawler.Product{
		Title:        "Atlas",
		Price:        &price,
		Currency:     "USD",
		Availability: "InStock",
		Variants:     []string{"SE", "SEL"},
		ImageURL:     "https://www.vw.example.com/atlas.jpg",
	}, crawler.MethodStructuredMetadata)
}

func TestDetectCreated(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	ev := d.Detect(nil, atlas(41000), pageURL)

	require.NotNil(t, ev)
	require.Equal(t, crawler.EventCreated, ev.EventType)
	require.Nil(t, ev.EntityID)
	require.Equal(t, "vw:"+pageURL+":product:atlas", ev.EntityKey)
	require.Equal(t, "vw", ev.SiteID)
	require.NotEmpty(t, ev.ID)
	require.Contains(t, ev.FieldDiffs, "price")
}

func TestDetectIdenticalIsNil(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	prev := d.Snapshot(atlas(41000), pageURL)
	require.Nil(t, d.Detect(&prev, atlas(41000), pageURL))
}

func TestDetectPriceChange(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	prev := d.Snapshot(atlas(41000), pageURL)
	ev := d.Detect(&prev, atlas(39000), pageURL)

	require.NotNil(t, ev)
	require.Equal(t, crawler.EventPriceChanged, ev.EventType)
	require.Equal(t, crawler.SeverityHigh, ev.Severity)
	require.Equal(t, crawler.FieldDiff{Old: 41000.0, New: 39000.0}, ev.FieldDiffs["price"])
	require.NotNil(t, ev.EntityID)
	require.Equal(t, prev.EntityID, *ev.EntityID)
	require.False(t, ev.Batched)
}

func TestDetectPrecedenceAndMaxSeverity(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	prev := d.Snapshot(atlas(41000), pageURL)

	rec := atlas(39000)
	rec.Product.Availability = "OutOfStock"
	ev := d.Detect(&prev, rec, pageURL)
	require.Equal(t, crawler.EventPriceChanged, ev.EventType, "price outranks availability")
	require.Equal(t, crawler.SeverityCritical, ev.Severity, "severity is the max over diffs")

	rec = atlas(41000)
	rec.Product.Disclaimer = "Excludes destination"
	ev = d.Detect(&prev, rec, pageURL)
	require.Equal(t, crawler.EventDisclaimerChanged, ev.EventType)
	require.Equal(t, crawler.SeverityMedium, ev.Severity)

	rec = atlas(41000)
	rec.Product.ImageURL = "https://www.vw.example.com/atlas-2025.jpg"
	ev = d.Detect(&prev, rec, pageURL)
	require.Equal(t, crawler.EventImageChanged, ev.EventType)
	require.True(t, ev.Batched)

	rec = atlas(41000)
	rec.Product.Variants = []string{"SE", "SEL", "SEL Premium"}
	ev = d.Detect(&prev, rec, pageURL)
	require.Equal(t, crawler.EventUpdated, ev.EventType)
	require.Equal(t, crawler.SeverityHigh, ev.Severity)
}

func TestDetectSuppressesNoise(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	base := atlas(41000)
	base.Product.Metadata = map[string]any{"utm_campaign": "spring"}
	base.Product.Disclaimer = "© 2024 Volkswagen. MSRP excludes destination."
	prev := d.Snapshot(base, pageURL)

	rec := atlas(41000)
	rec.Product.Metadata = map[string]any{"utm_campaign": "summer"}
	rec.Product.Disclaimer = "©  2025 Volkswagen.   MSRP excludes destination."
	rec.Product.ImageURL = "https://www.vw.example.com/atlas.jpg?utm_source=home"
	rec.Product.Variants = []string{"SEL", "SE"}

	require.Nil(t, d.Detect(&prev, rec, pageURL))
}

func TestDetectIgnoresUntrackedFields(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	prev := d.Snapshot(atlas(41000), pageURL)

	rec := atlas(41000)
	rec.Product.Category = "SUV"
	require.Nil(t, d.Detect(&prev, rec, pageURL), "category is not in the severity table")
}

func TestDetectTreatsRemovedOrMismatchedSnapshotAsUnseen(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	prev := d.MarkRemoved(d.Snapshot(atlas(41000), pageURL))
	ev := d.Detect(&prev, atlas(41000), pageURL)
	require.Equal(t, crawler.EventCreated, ev.EventType)
	require.Equal(t, prev.EntityID, *ev.EntityID)

	other := crawler.Snapshot{EntityType: crawler.KindOffer, EntityID: "x"}
	require.Equal(t, crawler.EventCreated, d.Detect(&other, atlas(41000), pageURL).EventType)
}

func TestDetectRemoved(t *testing.T) {
	t.Parallel()

	d := newDetector(t, DefaultConfig())
	tiguan := crawler.NewProductRecord(crawler.Product{Title: "Tiguan"}, crawler.MethodSiteRules)
	slide := crawler.NewBannerRecord(crawler.BannerSlide{Title: "Spring Event"}, crawler.MethodSiteRules)
	gone := d.MarkRemoved(d.Snapshot(crawler.NewProductRecord(crawler.Product{Title: "Passat"}, crawler.MethodSiteRules), pageURL))

	prev := []crawler.Snapshot{d.Snapshot(atlas(41000), pageURL), d.Snapshot(tiguan, pageURL), gone}
	events := d.DetectRemoved(prev, []crawler.ExtractedRecord{atlas(39000)}, pageURL)

	require.Len(t, events, 1)
	require.Equal(t, crawler.EventRemoved, events[0].EventType)
	require.Equal(t, crawler.SeverityCritical, events[0].Severity)
	require.Equal(t, "vw:"+pageURL+":product:tiguan", events[0].EntityKey)

	banners := d.DetectRemoved([]crawler.Snapshot{d.Snapshot(slide, pageURL)}, []crawler.ExtractedRecord{
		crawler.NewBannerRecord(crawler.BannerSlide{Title: "Summer Event"}, crawler.MethodSiteRules),
	}, pageURL)
	require.Len(t, banners, 1)
	require.Equal(t, crawler.SeverityHigh, banners[0].Severity)
}

func TestSiteOverrides(t *testing.T) {
	t.Parallel()

	set, err := NewSet(DefaultConfig(), map[string]SiteConfig{
		"audi": {
			Severity:     map[string]crawler.Severity{"price": crawler.SeverityCritical, "image_url": "ignore"},
			IgnoreFields: []string{"meta.build_*"},
		},
	}, uuid.New(), system.New(), nil)
	require.NoError(t, err)

	audi, err := set.For("audi")
	require.NoError(t, err)
	again, err := set.For("audi")
	require.NoError(t, err)
	require.Same(t, audi, again)

	prev := audi.Snapshot(atlas(41000), pageURL)
	ev := audi.Detect(&prev, atlas(39000), pageURL)
	require.Equal(t, crawler.SeverityCritical, ev.Severity)

	rec := atlas(41000)
	rec.Product.ImageURL = "https://www.vw.example.com/new.jpg"
	require.Nil(t, audi.Detect(&prev, rec, pageURL))

	rec = atlas(41000)
	rec.Product.Metadata = map[string]any{"build_id": "abc"}
	require.Equal(t, prev.ContentHash, audi.Snapshot(rec, pageURL).ContentHash)
}

func TestNewRejectsBadPatterns(t *testing.T) {
	t.Parallel()

	_, err := New("vw", Config{IgnoreFields: []string{"["}}, uuid.New(), system.New(), nil)
	require.Error(t, err)
	_, err = New("vw", Config{ScrubPatterns: []string{"("}}, uuid.New(), system.New(), nil)
	require.Error(t, err)

	_, err = NewSet(DefaultConfig(), map[string]SiteConfig{"bad": {ScrubPatterns: []string{"("}}}, uuid.New(), system.New(), nil)
	require.ErrorContains(t, err, "site bad")
}
