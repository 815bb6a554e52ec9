package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func wrap(node any, levels int) any {
	for i := 0; i < levels; i++ {
		node = map[string]any{"data": node}
	}
	return node
}

func TestWalkCollectsWithInheritedCategory(t *testing.T) {
	t.Parallel()

	root := decode(t, `[{"category":"SUV","items":[{"name":"Atlas","price":41000}]}]`)
	records := Walk(root, WalkOptions{Method: crawler.MethodAPI})

	require.Len(t, records, 1)
	p := records[0].Product
	require.NotNil(t, p)
	require.Equal(t, "Atlas", p.Title)
	require.NotNil(t, p.Price)
	require.InDelta(t, 41000, *p.Price, 0.001)
	require.Equal(t, "SUV", p.Category)
	require.Equal(t, crawler.MethodAPI, records[0].Method)
}

func TestWalkDepthBound(t *testing.T) {
	t.Parallel()

	atlas := map[string]any{"name": "Atlas", "price": 41000.0}

	require.Len(t, Walk(wrap(atlas, 10), WalkOptions{}), 1, "depth 10 is inside the bound")
	require.Empty(t, Walk(wrap(atlas, 11), WalkOptions{}), "depth 11 is beyond the bound")
	require.Len(t, Walk(wrap(atlas, 11), WalkOptions{MaxDepth: 12}), 1)
}

func TestWalkDoesNotDescendIntoMatches(t *testing.T) {
	t.Parallel()

	root := decode(t, `{"model":{"name":"Atlas","price":41000,"trims":[{"name":"SE","price":43000}]}}`)
	records := Walk(root, WalkOptions{})

	require.Len(t, records, 1)
	require.Equal(t, "Atlas", records[0].Title())
	require.Equal(t, []string{"SE"}, records[0].Product.Variants)
}

func TestWalkRequiresPriceOrImage(t *testing.T) {
	t.Parallel()

	root := decode(t, `{"links":[{"name":"Owners"},{"name":"Build","price":"call us"},{"title":"Tiguan","image":"/t.jpg"}]}`)
	records := Walk(root, WalkOptions{})

	require.Len(t, records, 1)
	require.Equal(t, "Tiguan", records[0].Title())
}

func TestWalkDedupsByTitle(t *testing.T) {
	t.Parallel()

	root := decode(t, `{"a":[{"name":"Atlas","price":41000}],"b":[{"name":" atlas ","image":"/atlas.jpg","price":1}]}`)
	records := Walk(root, WalkOptions{})

	require.Len(t, records, 1)
	require.InDelta(t, 41000, *records[0].Product.Price, 0.001, "first match keeps its price")
	require.Equal(t, "/atlas.jpg", records[0].Product.ImageURL)
}

func TestWalkBannerContainers(t *testing.T) {
	t.Parallel()

	root := decode(t, `{"heroSlides":[{"headline":"Spring Sales Event","image":"/s1.jpg","ctaText":"Shop now","ctaUrl":"/offers"}]}`)
	records := Walk(root, WalkOptions{})

	require.Len(t, records, 1)
	require.Equal(t, crawler.KindBannerSlide, records[0].Kind)
	b := records[0].Banner
	require.Equal(t, "Spring Sales Event", b.Title)
	require.Equal(t, "Shop now", b.CTAText)
	require.Equal(t, "/offers", b.LinkURL)
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       any
		want     float64
		currency string
		ok       bool
	}{
		{in: 41000.0, want: 41000, ok: true},
		{in: "$41,000", want: 41000, currency: "USD", ok: true},
		{in: "41.000,50 €", want: 41000.5, currency: "EUR", ok: true},
		{in: "From $39,995 - $52,000", want: 39995, currency: "USD", ok: true},
		{in: "299.99", want: 299.99, ok: true},
		{in: map[string]any{"amount": "1,299", "currency": "cad"}, want: 1299, currency: "CAD", ok: true},
		{in: "call for pricing", ok: false},
		{in: -1.0, ok: false},
		{in: nil, ok: false},
	}
	for _, tt := range tests {
		got, cur, ok := parsePrice(tt.in)
		require.Equal(t, tt.ok, ok, "%v", tt.in)
		if tt.ok {
			require.InDelta(t, tt.want, got, 0.0001, "%v", tt.in)
			require.Equal(t, tt.currency, cur, "%v", tt.in)
		}
	}
}
