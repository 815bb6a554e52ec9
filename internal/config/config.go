// Package config loads and validates monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/oem-monitor/internal/change"
	"github.com/JakeFAU/oem-monitor/internal/classifier"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/id/uuid"
	"github.com/JakeFAU/oem-monitor/internal/scheduler"
)

// EnvPrefix is prepended to every environment override, e.g. MONITOR_SERVER_PORT.
const EnvPrefix = "MONITOR"

// Backend names accepted by the storage, budget, archive and publisher sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Auth       AuthConfig            `mapstructure:"auth"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Crawler    CrawlerConfig         `mapstructure:"crawler"`
	Headless   HeadlessConfig        `mapstructure:"headless"`
	Schedule   ScheduleConfig        `mapstructure:"schedule"`
	Budget     BudgetConfig          `mapstructure:"budget"`
	Normalize  NormalizeConfig       `mapstructure:"normalize"`
	Classifier ClassifierConfig      `mapstructure:"classifier"`
	Extract    ExtractConfig         `mapstructure:"extract"`
	Change     change.Config         `mapstructure:"change"`
	LLM        LLMConfig             `mapstructure:"llm"`
	Storage    StorageConfig         `mapstructure:"storage"`
	Archive    ArchiveConfig         `mapstructure:"archive"`
	Notify     NotifyConfig          `mapstructure:"notify"`
	Sites      map[string]SiteConfig `mapstructure:"sites"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the dispatcher and the cheap check.
type CrawlerConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	PlanInterval  time.Duration `mapstructure:"plan_interval"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	// RateLimitRPS is the default per-host request rate; <= 0 disables limiting.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the renderer and the SPA shell heuristic.
type HeadlessConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	RenderTimeout  time.Duration `mapstructure:"render_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	MaxExchanges   int           `mapstructure:"max_exchanges"`
	ShellThreshold int           `mapstructure:"shell_threshold"`
	ShellMarkers   []string      `mapstructure:"shell_markers"`
	// StaticExtraction extracts from the cheap HTML when the renderer is
	// disabled instead of failing every render.
	StaticExtraction bool `mapstructure:"static_extraction"`
}

// ScheduleConfig tunes check intervals, backoff and render spacing.
type ScheduleConfig struct {
	Intervals        map[string]time.Duration `mapstructure:"intervals"`
	BackoffWindow    time.Duration            `mapstructure:"backoff_window"`
	BackoffFactor    float64                  `mapstructure:"backoff_factor"`
	MaxMultiplier    float64                  `mapstructure:"max_multiplier"`
	AlwaysRender     []string                 `mapstructure:"always_render"`
	MinRenderSpacing time.Duration            `mapstructure:"min_render_spacing"`
}

// BudgetConfig selects the render budget ledger and its monthly caps.
type BudgetConfig struct {
	Backend   string `mapstructure:"backend"`
	SiteCap   int    `mapstructure:"site_cap"`
	GlobalCap int    `mapstructure:"global_cap"`
	Redis     struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`
}

// NormalizeConfig extends the built-in noise lists used for content hashing.
type NormalizeConfig struct {
	VolatileAttrs  []string `mapstructure:"volatile_attrs"`
	TrackingParams []string `mapstructure:"tracking_params"`
}

// ClassifierConfig extends the fleet-wide classifier lists.
type ClassifierConfig struct {
	DenyDomains        []string `mapstructure:"deny_domains"`
	AllowDomains       []string `mapstructure:"allow_domains"`
	DiscoveryThreshold float64  `mapstructure:"discovery_threshold"`
}

// ExtractConfig tunes the extraction cascade.
type ExtractConfig struct {
	MaxDepth     int           `mapstructure:"max_depth"`
	LLMThreshold float64       `mapstructure:"llm_threshold"`
	LLMTimeout   time.Duration `mapstructure:"llm_timeout"`
	ExcerptBytes int           `mapstructure:"excerpt_bytes"`
}

// LLMConfig configures the Anthropic client used by the extraction fallback.
type LLMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	MaxTokens  int64         `mapstructure:"max_tokens"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects where pages and snapshots live.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig mirrors the pgx pool settings.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PagesTable      string        `mapstructure:"pages_table"`
	SnapshotsTable  string        `mapstructure:"snapshots_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ArchiveConfig controls where raw renders and the event log are written.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// NotifyConfig configures the change event hub and its sinks.
type NotifyConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	Log            bool          `mapstructure:"log"`
	Prometheus     bool          `mapstructure:"prometheus"`
	// EventLog appends every batch as NDJSON to the archive blob store.
	EventLog  bool            `mapstructure:"event_log"`
	Publisher PublisherConfig `mapstructure:"publisher"`
}

// PublisherConfig selects the change event publisher.
type PublisherConfig struct {
	Backend     string `mapstructure:"backend"`
	ProjectID   string `mapstructure:"project_id"`
	Topic       string `mapstructure:"topic"`
	MinSeverity string `mapstructure:"min_severity"`
}

// SiteConfig holds everything configured for one OEM site.
type SiteConfig struct {
	Pages        []PageConfig             `mapstructure:"pages"`
	Intervals    map[string]time.Duration `mapstructure:"intervals"`
	AlwaysRender []string                 `mapstructure:"always_render"`
	// RenderCap overrides budget.site_cap when non-zero. Negative is unlimited.
	RenderCap    int                  `mapstructure:"render_cap"`
	RateLimitRPS float64              `mapstructure:"rate_limit_rps"`
	Rules        crawler.SiteRules    `mapstructure:"rules"`
	Classifier   SiteClassifierConfig `mapstructure:"classifier"`
	Change       change.SiteConfig    `mapstructure:"change"`
}

// PageConfig seeds one tracked page.
type PageConfig struct {
	// ID defaults to a stable UUID derived from the URL.
	ID       string `mapstructure:"id"`
	URL      string `mapstructure:"url"`
	Category string `mapstructure:"category"`
}

// SiteClassifierConfig extends the classifier lists for one site.
type SiteClassifierConfig struct {
	DenyDomains      []string `mapstructure:"deny_domains"`
	AllowDomains     []string `mapstructure:"allow_domains"`
	TrustedEndpoints []string `mapstructure:"trusted_endpoints"`
	DataEndpoints    []string `mapstructure:"data_endpoints"`
	CollectionKeys   []string `mapstructure:"collection_keys"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.plan_interval", "1m")
	v.SetDefault("crawler.user_agent", "oem-monitor/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_timeout", "20s")
	v.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawler.rate_limit_rps", 0.5)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.render_timeout", "60s")
	v.SetDefault("headless.settle_delay", "2s")
	v.SetDefault("headless.max_body_bytes", 2*1024*1024)
	v.SetDefault("headless.max_exchanges", 500)
	v.SetDefault("headless.shell_threshold", 60)
	v.SetDefault("schedule.backoff_window", "168h")
	v.SetDefault("schedule.backoff_factor", 2.0)
	v.SetDefault("schedule.max_multiplier", 8.0)
	v.SetDefault("schedule.min_render_spacing", "2h")
	v.SetDefault("budget.backend", BackendMemory)
	v.SetDefault("budget.site_cap", 2000)
	v.SetDefault("budget.global_cap", 20000)
	v.SetDefault("budget.redis.key_prefix", "monitor:render_budget")
	v.SetDefault("classifier.discovery_threshold", 0.3)
	v.SetDefault("extract.llm_threshold", 0.8)
	v.SetDefault("extract.llm_timeout", "30s")
	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.ensure_schema", true)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", BackendLocal)
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.prefix", "renders")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.prometheus", true)
	v.SetDefault("notify.event_log", false)
	v.SetDefault("notify.publisher.backend", BackendNone)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth < 0 {
		return fmt.Errorf("crawler.queue_depth must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := validateCategories("schedule.always_render", c.Schedule.AlwaysRender); err != nil {
		return err
	}
	if err := validateIntervals("schedule.intervals", c.Schedule.Intervals); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.LLM.Enabled && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key must be set when llm is enabled")
	}
	if err := validateSeverities("change.severity", c.Change.Severity); err != nil {
		return err
	}
	return c.validateSites()
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, postgres", c.Storage.Backend)
	}

	switch c.Budget.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Budget.Redis.Addr == "" {
			return fmt.Errorf("budget.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("budget.backend %q is not one of memory, redis", c.Budget.Backend)
	}

	if c.Archive.Enabled || c.Notify.EventLog {
		switch c.Archive.Backend {
		case BackendMemory:
		case BackendLocal:
			if c.Archive.Dir == "" {
				return fmt.Errorf("archive.dir must be set for the local backend")
			}
		case BackendGCS:
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("archive.backend %q is not one of memory, local, gcs", c.Archive.Backend)
		}
	}

	pub := c.Notify.Publisher
	switch pub.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if pub.ProjectID == "" || pub.Topic == "" {
			return fmt.Errorf("notify.publisher.project_id and topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.publisher.backend %q is not one of none, memory, pubsub", pub.Backend)
	}
	if pub.MinSeverity != "" && crawler.Severity(pub.MinSeverity).Rank() == 0 {
		return fmt.Errorf("notify.publisher.min_severity %q is not a severity", pub.MinSeverity)
	}
	return nil
}

func (c Config) validateSites() error {
	if len(c.Sites) == 0 {
		return errors.New("sites: at least one site must be configured")
	}
	seen := make(map[string]string)
	for siteID, site := range c.Sites {
		prefix := "sites." + siteID
		if strings.TrimSpace(siteID) == "" {
			return errors.New("sites: site id must not be empty")
		}
		if err := validateCategories(prefix+".always_render", site.AlwaysRender); err != nil {
			return err
		}
		if err := validateIntervals(prefix+".intervals", site.Intervals); err != nil {
			return err
		}
		if err := validateSeverities(prefix+".change.severity", site.Change.Severity); err != nil {
			return err
		}
		for i, page := range site.Pages {
			u, err := url.Parse(page.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%s.pages[%d].url %q must be an absolute http(s) URL", prefix, i, page.URL)
			}
			if page.Category != "" && !validCategory(page.Category) {
				return fmt.Errorf("%s.pages[%d].category %q is unknown", prefix, i, page.Category)
			}
			id := pageID(page)
			if other, dup := seen[id]; dup {
				return fmt.Errorf("%s.pages[%d]: duplicate page id %s (also in %s)", prefix, i, id, other)
			}
			seen[id] = siteID
		}
	}
	return nil
}

// TrackedPages returns the configured pages in site order, with default IDs
// and categories applied.
func (c Config) TrackedPages() []crawler.TrackedPage {
	var out []crawler.TrackedPage
	for _, siteID := range c.SiteIDs() {
		for _, page := range c.Sites[siteID].Pages {
			category := crawler.PageCategory(page.Category)
			if category == "" {
				category = crawler.CategoryOther
			}
			out = append(out, crawler.TrackedPage{
				ID:       pageID(page),
				URL:      page.URL,
				SiteID:   siteID,
				Category: category,
				Status:   crawler.PageStatusActive,
			})
		}
	}
	return out
}

// SiteIDs returns the configured site IDs sorted.
func (c Config) SiteIDs() []string {
	ids := make([]string, 0, len(c.Sites))
	for id := range c.Sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SchedulerConfig converts the schedule and budget sections.
func (c Config) SchedulerConfig() scheduler.Config {
	out := scheduler.Config{
		Intervals:        categoryDurations(c.Schedule.Intervals),
		BackoffWindow:    c.Schedule.BackoffWindow,
		BackoffFactor:    c.Schedule.BackoffFactor,
		MaxMultiplier:    c.Schedule.MaxMultiplier,
		AlwaysRender:     categories(c.Schedule.AlwaysRender),
		MinRenderSpacing: c.Schedule.MinRenderSpacing,
		SiteRenderCap:    c.Budget.SiteCap,
		GlobalRenderCap:  c.Budget.GlobalCap,
		Sites:            make(map[string]scheduler.SiteOverrides, len(c.Sites)),
	}
	for siteID, site := range c.Sites {
		out.Sites[siteID] = scheduler.SiteOverrides{
			Intervals:    categoryDurations(site.Intervals),
			AlwaysRender: categories(site.AlwaysRender),
			RenderCap:    site.RenderCap,
		}
	}
	return out
}

// ClassifierConfig returns the fleet-wide classifier config and the per-site lists.
func (c Config) ClassifierConfig() (classifier.Config, map[string]classifier.SiteConfig) {
	base := classifier.DefaultConfig()
	base.DenyDomains = append(base.DenyDomains, c.Classifier.DenyDomains...)
	base.AllowDomains = append(base.AllowDomains, c.Classifier.AllowDomains...)
	if c.Classifier.DiscoveryThreshold > 0 {
		base.DiscoveryThreshold = c.Classifier.DiscoveryThreshold
	}
	sites := make(map[string]classifier.SiteConfig, len(c.Sites))
	for siteID, site := range c.Sites {
		sites[siteID] = classifier.SiteConfig{
			DenyDomains:      site.Classifier.DenyDomains,
			AllowDomains:     site.Classifier.AllowDomains,
			TrustedEndpoints: site.Classifier.TrustedEndpoints,
			DataEndpoints:    site.Classifier.DataEndpoints,
			CollectionKeys:   site.Classifier.CollectionKeys,
		}
	}
	return base, sites
}

// ChangeConfig returns the change policy layered over the built-in defaults,
// plus the per-site overrides.
func (c Config) ChangeConfig() (change.Config, map[string]change.SiteConfig) {
	base := change.DefaultConfig().WithSite(change.SiteConfig{
		Severity:      c.Change.Severity,
		IgnoreFields:  c.Change.IgnoreFields,
		ScrubPatterns: c.Change.ScrubPatterns,
	})
	sites := make(map[string]change.SiteConfig, len(c.Sites))
	for siteID, site := range c.Sites {
		sites[siteID] = site.Change
	}
	return base, sites
}

// Rules returns the CSS extraction rules per site.
func (c Config) Rules() map[string]crawler.SiteRules {
	out := make(map[string]crawler.SiteRules, len(c.Sites))
	for siteID, site := range c.Sites {
		out[siteID] = site.Rules
	}
	return out
}

// HostRPS returns per-host rate overrides derived from each site's page URLs.
func (c Config) HostRPS() map[string]float64 {
	out := make(map[string]float64)
	for _, site := range c.Sites {
		if site.RateLimitRPS <= 0 {
			continue
		}
		for _, page := range site.Pages {
			if u, err := url.Parse(page.URL); err == nil && u.Hostname() != "" {
				out[strings.ToLower(u.Hostname())] = site.RateLimitRPS
			}
		}
	}
	return out
}

func pageID(page PageConfig) string {
	if id := strings.TrimSpace(page.ID); id != "" {
		return id
	}
	return uuid.EntityID("page:" + page.URL)
}

var knownCategories = []crawler.PageCategory{
	crawler.CategoryHomepage,
	crawler.CategoryOffers,
	crawler.CategoryCatalog,
	crawler.CategoryNews,
	crawler.CategorySitemap,
	crawler.CategoryOther,
}

func validCategory(s string) bool {
	for _, c := range knownCategories {
		if string(c) == s {
			return true
		}
	}
	return false
}

func validateCategories(key string, values []string) error {
	for _, v := range values {
		if !validCategory(v) {
			return fmt.Errorf("%s: unknown page category %q", key, v)
		}
	}
	return nil
}

func validateIntervals(key string, values map[string]time.Duration) error {
	for category, d := range values {
		if !validCategory(category) {
			return fmt.Errorf("%s: unknown page category %q", key, category)
		}
		if d < 0 {
			return fmt.Errorf("%s.%s must be >= 0", key, category)
		}
	}
	return nil
}

func validateSeverities(key string, values map[string]crawler.Severity) error {
	for field, sev := range values {
		if sev == "ignore" || sev == "" {
			continue
		}
		if sev.Rank() == 0 {
			return fmt.Errorf("%s.%s: unknown severity %q", key, field, sev)
		}
	}
	return nil
}

func categories(values []string) []crawler.PageCategory {
	if len(values) == 0 {
		return nil
	}
	out := make([]crawler.PageCategory, 0, len(values))
	for _, v := range values {
		out = append(out, crawler.PageCategory(v))
	}
	return out
}

func categoryDurations(values map[string]time.Duration) map[crawler.PageCategory]time.Duration {
	if len(values) == 0 {
		return nil
	}
	out := make(map[crawler.PageCategory]time.Duration, len(values))
	for k, v := range values {
		out[crawler.PageCategory(k)] = v
	}
	return out
}
