package scheduler

import (
	"time"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Defaults applied when a Config field is left zero.
const (
	DefaultBackoffWindow    = 7 * 24 * time.Hour
	DefaultBackoffFactor    = 2.0
	DefaultMaxMultiplier    = 8.0
	DefaultMinRenderSpacing = 2 * time.Hour
	DefaultInterval         = 24 * time.Hour
)

// DefaultIntervals returns the base check interval per page category.
func DefaultIntervals() map[crawler.PageCategory]time.Duration {
	return map[crawler.PageCategory]time.Duration{
		crawler.CategoryHomepage: 2 * time.Hour,
		crawler.CategoryOffers:   4 * time.Hour,
		crawler.CategoryCatalog:  12 * time.Hour,
		crawler.CategoryNews:     24 * time.Hour,
		crawler.CategorySitemap:  24 * time.Hour,
		crawler.CategoryOther:    24 * time.Hour,
	}
}

// SiteOverrides replaces fleet-wide scheduling settings for one site.
type SiteOverrides struct {
	Intervals    map[crawler.PageCategory]time.Duration
	AlwaysRender []crawler.PageCategory
	// RenderCap overrides Config.SiteRenderCap when non-zero. Negative means unlimited.
	RenderCap int
}

// Config tunes the scheduler.
type Config struct {
	Intervals     map[crawler.PageCategory]time.Duration
	BackoffWindow time.Duration
	// BackoffFactor multiplies the interval once per elapsed backoff window.
	BackoffFactor float64
	MaxMultiplier float64
	AlwaysRender  []crawler.PageCategory
	// MinRenderSpacing is the minimum time between two renders of the same page.
	MinRenderSpacing time.Duration
	// SiteRenderCap is the default monthly render cap per site; <= 0 is unlimited.
	SiteRenderCap int
	// GlobalRenderCap is the monthly render cap across all sites; <= 0 is unlimited.
	GlobalRenderCap int
	Sites           map[string]SiteOverrides
}

func (c Config) withDefaults() Config {
	intervals := DefaultIntervals()
	for category, interval := range c.Intervals {
		if interval > 0 {
			intervals[category] = interval
		}
	}
	c.Intervals = intervals
	if c.BackoffWindow <= 0 {
		c.BackoffWindow = DefaultBackoffWindow
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.MaxMultiplier < 1 {
		c.MaxMultiplier = DefaultMaxMultiplier
	}
	if c.MinRenderSpacing < 0 {
		c.MinRenderSpacing = 0
	} else if c.MinRenderSpacing == 0 {
		c.MinRenderSpacing = DefaultMinRenderSpacing
	}
	return c
}
