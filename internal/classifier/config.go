package classifier

import (
	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Config drives every classification heuristic. Nothing site specific lives in
// code; per-site lists are layered on top with WithSite.
type Config struct {
	// DenyDomains are skipped outright (exact host or "*.suffix").
	DenyDomains []string
	// AllowDomains are first-party data hosts that earn the trust bonus.
	AllowDomains []string
	// TrustedEndpoints are URL regexes that earn the trust bonus.
	TrustedEndpoints []string
	// DataEndpoints are URL regexes that mark a response as data-shaped.
	DataEndpoints []string
	// APIPaths are URL regexes for generic API path conventions.
	APIPaths []string
	// CollectionKeys are object keys that conventionally hold a record list.
	CollectionKeys []string
	// DataTypeKeywords are matched against the URL, then the body.
	DataTypeKeywords map[crawler.DataType][]string
	// TrackingKeywords penalize analytics endpoints that slipped past DenyDomains.
	// They match whole host or path tokens, so "log" hits /api/log but not /logos.
	TrackingKeywords []string
	// StaticSuffixes are path suffixes of static assets.
	StaticSuffixes     []string
	SmallBodyBytes     int64
	LargeBodyBytes     int64
	DiscoveryThreshold float64
}

// SiteConfig carries the per-site additions to Config.
type SiteConfig struct {
	DenyDomains      []string
	AllowDomains     []string
	TrustedEndpoints []string
	DataEndpoints    []string
	CollectionKeys   []string
}

// dataTypeOrder fixes keyword precedence.
var dataTypeOrder = []crawler.DataType{
	crawler.DataTypeProducts,
	crawler.DataTypeOffers,
	crawler.DataTypeInventory,
	crawler.DataTypePricing,
	crawler.DataTypeConfig,
}

// DefaultConfig returns generic heuristics suitable for any site.
func DefaultConfig() Config {
	return Config{
		DenyDomains: []string{
			"*.google-analytics.com",
			"*.googletagmanager.com",
			"*.doubleclick.net",
			"*.googlesyndication.com",
			"*.facebook.net",
			"*.facebook.com",
			"*.hotjar.com",
			"*.segment.io",
			"*.segment.com",
			"*.newrelic.com",
			"*.nr-data.net",
			"*.adobedtm.com",
			"*.demdex.net",
			"*.omtrdc.net",
			"*.optimizely.com",
			"*.quantummetric.com",
			"*.onetrust.com",
			"*.cookielaw.org",
			"*.bing.com",
			"*.linkedin.com",
			"*.tiktok.com",
		},
		APIPaths: []string{
			`/api/`,
			`/graphql`,
			`/v[0-9]+/`,
			`/rest/`,
			`/services/`,
			`\.json($|\?)`,
		},
		CollectionKeys: []string{
			"data", "items", "results",
			"records", "entries", "nodes", "edges", "hits",
			"products", "vehicles", "models", "offers", "slides",
		},
		DataTypeKeywords: map[crawler.DataType][]string{
			crawler.DataTypeProducts:  {"product", "vehicle", "model", "catalog", "trim", "lineup", "carline"},
			crawler.DataTypeOffers:    {"offer", "incentive", "lease", "finance", "deal", "promotion", "special"},
			crawler.DataTypeInventory: {"inventory", "stock", "vin", "dealer"},
			crawler.DataTypePricing:   {"pricing", "price", "msrp", "quote"},
			crawler.DataTypeConfig:    {"config", "settings", "feature-flag", "manifest", "i18n"},
		},
		TrackingKeywords: []string{
			"analytics", "tracking", "track", "pixel", "beacon", "telemetry", "collect", "metrics", "log",
		},
		StaticSuffixes: []string{
			".js", ".mjs", ".css", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif",
			".ico", ".woff", ".woff2", ".ttf", ".otf", ".eot", ".mp4", ".webm", ".mp3",
		},
		SmallBodyBytes:     1024,
		LargeBodyBytes:     10 * 1024,
		DiscoveryThreshold: 0.3,
	}
}

// WithSite returns a copy of c with the site lists appended.
func (c Config) WithSite(site SiteConfig) Config {
	c.DenyDomains = appendCopy(c.DenyDomains, site.DenyDomains)
	c.AllowDomains = appendCopy(c.AllowDomains, site.AllowDomains)
	c.TrustedEndpoints = appendCopy(c.TrustedEndpoints, site.TrustedEndpoints)
	c.DataEndpoints = appendCopy(c.DataEndpoints, site.DataEndpoints)
	c.CollectionKeys = appendCopy(c.CollectionKeys, site.CollectionKeys)
	return c
}

func appendCopy(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
