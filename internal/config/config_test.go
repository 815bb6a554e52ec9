package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

const sampleYAML = `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  workers: 6
  respect_robots: false
  plan_interval: 30s
headless:
  enabled: false
  static_extraction: true
schedule:
  intervals:
    offers: 3h
  always_render: [homepage]
budget:
  backend: redis
  site_cap: 100
  global_cap: 500
  redis:
    addr: localhost:6379
change:
  severity:
    disclaimer: critical
sites:
  acme:
    render_cap: 50
    rate_limit_rps: 0.2
    intervals:
      catalog: 6h
    pages:
      - url: https://www.acme.example.com/
        category: homepage
      - id: acme-offers
        url: https://www.acme.example.com/offers
        category: offers
    rules:
      offers:
        container: .offer-card
        fields:
          title:
            selector: h3
          price:
            selector: .price
    classifier:
      allow_domains: [api.acme.example.com]
    change:
      severity:
        image_url: ignore
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, 6, cfg.Crawler.Workers)
	require.False(t, cfg.Crawler.RespectRobots)
	require.Equal(t, 30*time.Second, cfg.Crawler.PlanInterval)
	require.Equal(t, 20*time.Second, cfg.Crawler.FetchTimeout, "default applies")
	require.False(t, cfg.Headless.Enabled)
	require.True(t, cfg.Headless.StaticExtraction)
	require.Equal(t, BackendRedis, cfg.Budget.Backend)
	require.Equal(t, "localhost:6379", cfg.Budget.Redis.Addr)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)

	site, ok := cfg.Sites["acme"]
	require.True(t, ok)
	require.Len(t, site.Pages, 2)
	require.NotNil(t, site.Rules.Offers)
	require.Equal(t, ".offer-card", site.Rules.Offers.Container)
	require.Equal(t, ".price", site.Rules.Offers.Fields["price"].Selector)
}

func TestConfigConversions(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	pages := cfg.TrackedPages()
	require.Len(t, pages, 2)
	require.NotEmpty(t, pages[0].ID)
	require.Equal(t, pageID(PageConfig{URL: "https://www.acme.example.com/"}), pages[0].ID, "ids are stable")
	require.Equal(t, "acme-offers", pages[1].ID)
	require.Equal(t, crawler.CategoryOffers, pages[1].Category)
	require.Equal(t, crawler.PageStatusActive, pages[1].Status)

	sched := cfg.SchedulerConfig()
	require.Equal(t, 3*time.Hour, sched.Intervals[crawler.CategoryOffers])
	require.Equal(t, []crawler.PageCategory{crawler.CategoryHomepage}, sched.AlwaysRender)
	require.Equal(t, 100, sched.SiteRenderCap)
	require.Equal(t, 500, sched.GlobalRenderCap)
	require.Equal(t, 50, sched.Sites["acme"].RenderCap)
	require.Equal(t, 6*time.Hour, sched.Sites["acme"].Intervals[crawler.CategoryCatalog])

	base, sites := cfg.ChangeConfig()
	require.Equal(t, crawler.SeverityCritical, base.Severity["disclaimer"])
	require.Equal(t, crawler.Severity("ignore"), sites["acme"].Severity["image_url"])

	clsBase, clsSites := cfg.ClassifierConfig()
	require.InDelta(t, 0.3, clsBase.DiscoveryThreshold, 0.0001)
	require.Equal(t, []string{"api.acme.example.com"}, clsSites["acme"].AllowDomains)

	require.InDelta(t, 0.2, cfg.HostRPS()["www.acme.example.com"], 0.0001)
	require.Contains(t, cfg.Rules(), "acme")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MONITOR_CRAWLER_WORKERS", "9")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Crawler.Workers)
}

func TestLoadRequiresSites(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.ErrorContains(t, err, "at least one site")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:  ServerConfig{Enabled: true, Port: 8080},
			Crawler: CrawlerConfig{Workers: 1},
			Storage: StorageConfig{Backend: BackendMemory},
			Budget:  BudgetConfig{Backend: BackendMemory},
			Archive: ArchiveConfig{Backend: BackendLocal, Dir: "data"},
			Notify:  NotifyConfig{Publisher: PublisherConfig{Backend: BackendNone}},
			Sites: map[string]SiteConfig{
				"acme": {Pages: []PageConfig{{URL: "https://acme.example.com/", Category: "homepage"}}},
			},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.postgres.dsn"},
		{"redis without addr", func(c *Config) { c.Budget.Backend = BackendRedis }, "budget.redis.addr"},
		{"gcs without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Backend = BackendGCS
		}, "archive.bucket"},
		{"pubsub without topic", func(c *Config) { c.Notify.Publisher.Backend = BackendPubSub }, "notify.publisher"},
		{"bad min severity", func(c *Config) { c.Notify.Publisher.MinSeverity = "urgent" }, "min_severity"},
		{"llm without key", func(c *Config) { c.LLM.Enabled = true }, "llm.api_key"},
		{"bad always render", func(c *Config) { c.Schedule.AlwaysRender = []string{"blog"} }, "schedule.always_render"},
		{"bad severity", func(c *Config) {
			c.Change.Severity = map[string]crawler.Severity{"price": "urgent"}
		}, "change.severity.price"},
		{"relative url", func(c *Config) {
			c.Sites["acme"] = SiteConfig{Pages: []PageConfig{{URL: "/offers"}}}
		}, "absolute http(s) URL"},
		{"bad category", func(c *Config) {
			c.Sites["acme"] = SiteConfig{Pages: []PageConfig{{URL: "https://acme.example.com/", Category: "blog"}}}
		}, "category"},
		{"duplicate page", func(c *Config) {
			c.Sites["acme"] = SiteConfig{Pages: []PageConfig{
				{URL: "https://acme.example.com/"},
				{URL: "https://acme.example.com/"},
			}}
		}, "duplicate page id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
