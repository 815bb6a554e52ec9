package classifier

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

func body(s string) *string { return &s }

func newTestClassifier(t *testing.T, site SiteConfig) *Classifier {
	t.Helper()
	c, err := New(DefaultConfig().WithSite(site), nil)
	require.NoError(t, err)
	return c
}

func TestClassifySkipsNoise(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{DenyDomains: []string{"cdn.vw.com"}})
	res := c.Classify([]crawler.NetworkExchange{
		{URL: "https://www.vw.com/api/models", StatusCode: 404, ContentType: "application/json"},
		{URL: "https://www.google-analytics.com/g/collect", StatusCode: 204},
		{URL: "https://cdn.vw.com/data.json", StatusCode: 200, ContentType: "application/json", BodyText: body(`[]`)},
		{URL: "https://www.vw.com/static/app.3f2a.js", StatusCode: 200, ContentType: "application/javascript"},
		{URL: "https://www.vw.com/img/atlas.webp", StatusCode: 200, ContentType: "image/webp"},
	})
	require.Empty(t, res.Candidates)
	require.Empty(t, res.Errors)
	require.Equal(t, 5, res.Skipped)
}

func TestClassifyScoresDataEndpoint(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{AllowDomains: []string{"*.vw.com"}})
	payload := `{"data":[{"name":"Atlas","price":41000},{"name":"Tiguan","price":29000}]}` + strings.Repeat(" ", 2048)
	res := c.Classify([]crawler.NetworkExchange{
		{URL: "https://www.vw.com/api/v1/models", Method: "GET", StatusCode: 200, ContentType: "application/json; charset=utf-8", BodyText: body(payload)},
	})
	require.Len(t, res.Candidates, 1)
	got := res.Candidates[0]
	require.True(t, got.IsJSON)
	require.True(t, got.LooksLikeDataAPI)
	require.Equal(t, crawler.DataTypeProducts, got.DataType)
	require.Equal(t, 1.0, got.Confidence)
	require.Equal(t, payload, got.Body)
}

func TestClassifyRuleByRule(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{})
	cases := []struct {
		name       string
		exchange   crawler.NetworkExchange
		confidence float64
		dataType   crawler.DataType
	}{
		{
			name:       "json only",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/thing", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"ok":true}`)},
			confidence: 0.3,
			dataType:   crawler.DataTypeOther,
		},
		{
			name:       "json array of objects",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/thing", StatusCode: 200, ContentType: "application/json", BodyText: body(`[{"a":1}]`)},
			confidence: 0.7,
			dataType:   crawler.DataTypeOther,
		},
		{
			name:       "json api path",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/api/thing", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"ok":true}`)},
			confidence: 0.5,
			dataType:   crawler.DataTypeOther,
		},
		{
			name:       "tracking penalty",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/api/track", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"ok":true}`)},
			confidence: 0.2,
			dataType:   crawler.DataTypeOther,
		},
		{
			name:       "html page",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/page", StatusCode: 200, ContentType: "text/html"},
			confidence: 0,
			dataType:   crawler.DataTypeNone,
		},
		{
			name:       "offers from body keywords",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/content", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"items":[{"headline":"0.9% APR lease"}]}`)},
			confidence: 0.7,
			dataType:   crawler.DataTypeOffers,
		},
		{
			name:       "size bonuses",
			exchange:   crawler.NetworkExchange{URL: "https://x.test/blob", StatusCode: 200, ContentType: "text/plain", BodySizeBytes: 20000, BodyText: body("zz")},
			confidence: 0.2,
			dataType:   crawler.DataTypeOther,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := c.Classify([]crawler.NetworkExchange{tc.exchange})
			require.Len(t, res.Candidates, 1)
			require.InDelta(t, tc.confidence, res.Candidates[0].Confidence, 1e-9)
			require.Equal(t, tc.dataType, res.Candidates[0].DataType)
		})
	}
}

func TestTrackingKeywordMatchesWholeTokens(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{})
	cases := map[string]float64{
		"https://api.oem.example.com/api/collections/models": 0.5,
		"https://www.oem.example.com/logos/brand":            0.3,
		"https://www.oem.example.com/catalog?trackingId=1":   0.3,
		"https://stats.oem.example.com/g/collect":            0,
		"https://www.oem.example.com/log":                    0,
		"https://www.oem.example.com/track-event":            0,
		"https://www.oem.example.com/api/beacon":             0.2,
	}
	for rawURL, want := range cases {
		res := c.Classify([]crawler.NetworkExchange{
			{URL: rawURL, StatusCode: 200, ContentType: "application/json", BodyText: body(`{"ok":true}`)},
		})
		require.Len(t, res.Candidates, 1, rawURL)
		require.InDelta(t, want, res.Candidates[0].Confidence, 1e-9, rawURL)
	}
}

func TestClassifyURLKeywordOrder(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{})
	res := c.Classify([]crawler.NetworkExchange{
		{URL: "https://x.test/api/offers/pricing", StatusCode: 200, ContentType: "application/json", BodyText: body(`{}`)},
	})
	require.Len(t, res.Candidates, 1)
	require.Equal(t, crawler.DataTypeOffers, res.Candidates[0].DataType)
}

func TestClassifyMalformedJSONIsClassificationError(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{})
	res := c.Classify([]crawler.NetworkExchange{
		{URL: "https://x.test/api/models", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"data": [`)},
		{URL: "https://x.test/api/offers", StatusCode: 200, ContentType: "text/plain", BodyText: body(`{not json`)},
	})
	require.Len(t, res.Errors, 1)
	require.True(t, errors.Is(res.Errors[0], crawler.ErrClassification))
	require.Len(t, res.Candidates, 1)
	require.Equal(t, "https://x.test/api/offers", res.Candidates[0].URL)
}

func TestClassifyDataEndpointAndCollectionKeys(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{
		DataEndpoints:  []string{`/content/dam/.*\.model\.json`},
		CollectionKeys: []string{"carlines"},
		TrustedEndpoints: []string{
			`^https://api\.vw\.test/`,
		},
	})
	res := c.Classify([]crawler.NetworkExchange{
		{URL: "https://www.vw.test/content/dam/atlas.model.json", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"x":1}`)},
		{URL: "https://api.vw.test/lineup", StatusCode: 200, ContentType: "application/json", BodyText: body(`{"Carlines":[{"n":1}]}`)},
	})
	require.Len(t, res.Candidates, 2)
	require.Equal(t, "https://api.vw.test/lineup", res.Candidates[0].URL)
	require.InDelta(t, 1.0, res.Candidates[0].Confidence, 1e-9)
	require.True(t, res.Candidates[1].LooksLikeDataAPI)
}

func TestClassifyStableRankingAndDiscovery(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{})
	res := c.Classify([]crawler.NetworkExchange{
		{URL: "https://x.test/a", StatusCode: 200, ContentType: "text/plain", BodyText: body("hi")},
		{URL: "https://x.test/b", StatusCode: 200, ContentType: "application/json", BodyText: body(`{}`)},
		{URL: "https://x.test/c", StatusCode: 200, ContentType: "application/json", BodyText: body(`{}`)},
		{URL: "https://x.test/d", StatusCode: 200, ContentType: "application/json", BodyText: body(`[{"a":1}]`)},
	})
	require.Len(t, res.Candidates, 4)
	urls := make([]string, 0, len(res.Candidates))
	for _, cand := range res.Candidates {
		urls = append(urls, cand.URL)
	}
	require.Equal(t, []string{"https://x.test/d", "https://x.test/b", "https://x.test/c", "https://x.test/a"}, urls)

	discovered := c.Discovered(res.Candidates)
	require.Len(t, discovered, 3)
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TrustedEndpoints = []string{"("}
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestSetPerSite(t *testing.T) {
	t.Parallel()

	set, err := NewSet(DefaultConfig(), map[string]SiteConfig{
		"vw": {AllowDomains: []string{"*.vw.test"}},
	}, nil)
	require.NoError(t, err)

	ex := []crawler.NetworkExchange{{URL: "https://api.vw.test/x", StatusCode: 200, ContentType: "application/json", BodyText: body(`{}`)}}
	require.InDelta(t, 0.8, set.For("vw").Classify(ex).Candidates[0].Confidence, 1e-9)
	require.InDelta(t, 0.3, set.For("audi").Classify(ex).Candidates[0].Confidence, 1e-9)
}

func TestRulesAreNamed(t *testing.T) {
	t.Parallel()

	c := newTestClassifier(t, SiteConfig{})
	names := make([]string, 0)
	for _, r := range c.Rules() {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{
		"json_content_type", "data_api_shape", "api_path", "trusted_source",
		"body_over_small", "body_over_large", "tracking_keyword",
	}, names)
	require.InDelta(t, 0.3, c.Threshold(), 1e-9)
}

func FuzzClassifyConfidenceBounded(f *testing.F) {
	f.Add("https://www.vw.com/api/models", "application/json", `{"data":[{"name":"Atlas"}]}`, 200, int64(0))
	f.Add("https://x.test/track/pixel", "text/html", "", 204, int64(-5))
	f.Add("::::", "application/json", "\x00\xff", 200, int64(1<<40))
	f.Add("https://x.test/a.json", "application/vnd.api+json", "[[[[", 299, int64(12))

	c, err := New(DefaultConfig(), nil)
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, rawURL, contentType, text string, status int, size int64) {
		res := c.Classify([]crawler.NetworkExchange{{
			URL:           rawURL,
			StatusCode:    status,
			ContentType:   contentType,
			BodyText:      &text,
			BodySizeBytes: size,
		}})
		for _, cand := range res.Candidates {
			if cand.Confidence < 0 || cand.Confidence > 1 {
				t.Fatalf("confidence %f out of range for %q", cand.Confidence, rawURL)
			}
		}
	})
}
