// Package scheduler gates the crawl pipeline: it decides when a page is due for
// a cheap check, whether a full render is warranted, whether the render budget
// allows it, and how page state advances after each attempt.
package scheduler

import (
	"context"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/budget"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/metrics"
)

// Render decision reasons.
const (
	ReasonContentChanged = "content_changed"
	ReasonAlwaysRender   = "always_render"
	ReasonNeverRendered  = "never_rendered"
	ReasonUnchanged      = "unchanged"
)

// Budget decision reasons.
const (
	ReasonSiteCap           = budget.ReasonSiteCap
	ReasonGlobalCap         = budget.ReasonGlobalCap
	ReasonRenderSpacing     = "render_spacing"
	ReasonLedgerUnavailable = "ledger_unavailable"
)

// CheckDecision reports whether a cheap check is due.
type CheckDecision struct {
	Due         bool
	NextCheckAt time.Time
}

// RenderDecision reports whether a full render is warranted.
type RenderDecision struct {
	Render bool
	Reason string
}

// BudgetDecision reports whether a render is affordable.
type BudgetDecision struct {
	Allowed bool
	Reason  string
	Usage   crawler.Usage
}

// CrawlOutcome summarizes one pipeline attempt for AfterCrawl.
type CrawlOutcome struct {
	// ContentHash is the normalized hash from the cheap check; empty when the
	// fetch failed.
	ContentHash string
	// Rendered is set only when a headless render ran. Static extraction from
	// the cheap HTML leaves it false.
	Rendered bool
	// RenderedHash is the normalized hash of the rendered HTML.
	RenderedHash string
	// RenderSkipped is set when a render was wanted but denied by the budget gate.
	RenderSkipped bool
	FetchErr      error
	RenderErr     error
	// Err is any other pipeline failure (store write, recovered panic). It is
	// recorded like a render error.
	Err error
}

// Scheduler holds the scheduling policy. Decisions are pure functions of page
// state and the injected clock; only ReserveRender/ReleaseRender touch the ledger.
type Scheduler struct {
	cfg    Config
	clock  crawler.Clock
	ledger crawler.BudgetLedger
	logger *zap.Logger
}

// New constructs a Scheduler. A nil ledger disables budget accounting.
func New(cfg Config, clock crawler.Clock, ledger crawler.BudgetLedger, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		ledger: ledger,
		logger: logger,
	}
}

// BaseInterval returns the configured interval for the page's site and category.
func (s *Scheduler) BaseInterval(page crawler.TrackedPage) time.Duration {
	if site, ok := s.cfg.Sites[page.SiteID]; ok {
		if interval, ok := site.Intervals[page.Category]; ok && interval > 0 {
			return interval
		}
	}
	if interval, ok := s.cfg.Intervals[page.Category]; ok {
		return interval
	}
	return DefaultInterval
}

// EffectiveInterval applies no-change backoff to the base interval. Every
// time the no-change counter passes another backoff window's worth of checks
// (the window measured at the page's own cadence), the interval is multiplied
// by BackoffFactor, never exceeding MaxMultiplier times the base.
func (s *Scheduler) EffectiveInterval(page crawler.TrackedPage) time.Duration {
	base := s.BaseInterval(page)
	return time.Duration(float64(base) * s.multiplier(page.ConsecutiveNoChangeCount, base))
}

func (s *Scheduler) multiplier(count int, base time.Duration) float64 {
	if count <= 0 {
		return 1
	}
	threshold := int(math.Ceil(float64(s.cfg.BackoffWindow) / float64(base)))
	if threshold < 1 {
		threshold = 1
	}
	stage := (count - 1) / threshold
	if stage == 0 {
		return 1
	}
	return math.Min(math.Pow(s.cfg.BackoffFactor, float64(stage)), s.cfg.MaxMultiplier)
}

// ShouldCheck reports whether a cheap check is due now.
func (s *Scheduler) ShouldCheck(page crawler.TrackedPage) CheckDecision {
	now := s.clock.Now()
	if !page.Schedulable() {
		return CheckDecision{}
	}
	if page.LastCheckedAt == nil {
		return CheckDecision{Due: true, NextCheckAt: now}
	}
	next := page.LastCheckedAt.Add(s.EffectiveInterval(page))
	return CheckDecision{Due: !now.Before(next), NextCheckAt: next}
}

// ShouldRender decides whether the cheap-check result justifies a full render.
// Elapsed time alone never triggers a render.
func (s *Scheduler) ShouldRender(page crawler.TrackedPage, newHash string) RenderDecision {
	switch {
	case newHash != page.LastContentHash:
		return RenderDecision{Render: true, Reason: ReasonContentChanged}
	case s.alwaysRender(page):
		return RenderDecision{Render: true, Reason: ReasonAlwaysRender}
	case page.LastRenderedAt == nil:
		return RenderDecision{Render: true, Reason: ReasonNeverRendered}
	default:
		return RenderDecision{Reason: ReasonUnchanged}
	}
}

func (s *Scheduler) alwaysRender(page crawler.TrackedPage) bool {
	if site, ok := s.cfg.Sites[page.SiteID]; ok && slices.Contains(site.AlwaysRender, page.Category) {
		return true
	}
	return slices.Contains(s.cfg.AlwaysRender, page.Category)
}

// Caps returns the effective monthly render caps for a site.
func (s *Scheduler) Caps(siteID string) (siteCap, globalCap int) {
	siteCap = s.cfg.SiteRenderCap
	if site, ok := s.cfg.Sites[siteID]; ok && site.RenderCap != 0 {
		siteCap = site.RenderCap
	}
	return siteCap, s.cfg.GlobalRenderCap
}

// CheckBudget is the pure cap check against month-to-date usage. A render is
// allowed while usage is strictly below each positive cap.
func (s *Scheduler) CheckBudget(siteID string, usage crawler.Usage) BudgetDecision {
	siteCap, globalCap := s.Caps(siteID)
	switch {
	case siteCap > 0 && usage.Site >= siteCap:
		return BudgetDecision{Reason: ReasonSiteCap, Usage: usage}
	case globalCap > 0 && usage.Global >= globalCap:
		return BudgetDecision{Reason: ReasonGlobalCap, Usage: usage}
	default:
		return BudgetDecision{Allowed: true, Usage: usage}
	}
}

// Period returns the ledger bucket (calendar month, UTC) for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ReserveRender enforces render spacing, then atomically reserves one render
// slot. Ledger failures fail open so an outage never starves crawling.
func (s *Scheduler) ReserveRender(ctx context.Context, page crawler.TrackedPage) BudgetDecision {
	now := s.clock.Now()
	if page.LastRenderedAt != nil && now.Sub(*page.LastRenderedAt) < s.cfg.MinRenderSpacing {
		metrics.ObserveBudgetDenial(page.SiteID, ReasonRenderSpacing)
		return BudgetDecision{Reason: ReasonRenderSpacing}
	}
	if s.ledger == nil {
		return BudgetDecision{Allowed: true}
	}

	siteCap, globalCap := s.Caps(page.SiteID)
	res, err := s.ledger.Reserve(ctx, page.SiteID, Period(now), siteCap, globalCap)
	if err != nil {
		s.logger.Warn("render budget unavailable, allowing render",
			zap.String("site_id", page.SiteID),
			zap.String("url", page.URL),
			zap.Error(err),
		)
		return BudgetDecision{Allowed: true, Reason: ReasonLedgerUnavailable}
	}
	if !res.Allowed {
		metrics.ObserveBudgetDenial(page.SiteID, res.Reason)
		s.logger.Info("render budget exhausted",
			zap.String("site_id", page.SiteID),
			zap.String("reason", res.Reason),
			zap.Int("site_usage", res.Usage.Site),
			zap.Int("global_usage", res.Usage.Global),
		)
	}
	return BudgetDecision{Allowed: res.Allowed, Reason: res.Reason, Usage: res.Usage}
}

// ReleaseRender refunds a reservation after a failed or timed-out render.
func (s *Scheduler) ReleaseRender(ctx context.Context, siteID string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Release(ctx, siteID, Period(s.clock.Now())); err != nil {
		s.logger.Warn("release render reservation failed",
			zap.String("site_id", siteID),
			zap.Error(err),
		)
	}
}

// Usage reads month-to-date render usage for a site.
func (s *Scheduler) Usage(ctx context.Context, siteID string) (crawler.Usage, error) {
	if s.ledger == nil {
		return crawler.Usage{}, nil
	}
	return s.ledger.Usage(ctx, siteID, Period(s.clock.Now()))
}

// AfterCrawl returns the page state advanced by one attempt.
func (s *Scheduler) AfterCrawl(page crawler.TrackedPage, outcome CrawlOutcome) crawler.TrackedPage {
	now := s.clock.Now()
	next := page
	if next.LastCheckedAt == nil || now.After(*next.LastCheckedAt) {
		checked := now
		next.LastCheckedAt = &checked
	}

	if outcome.FetchErr != nil {
		s.recordError(&next, outcome.FetchErr, now)
		return next
	}

	switch {
	case outcome.RenderErr != nil || outcome.Err != nil:
		err := outcome.RenderErr
		if err == nil {
			err = outcome.Err
		}
		s.recordError(&next, err, now)
		// Keep the old hash and counter so the next cycle retries.
		return next
	case outcome.RenderSkipped:
		// A skipped render is not evidence of no change; keep the old hash so
		// the change is picked up once budget frees up.
		s.clearError(&next)
		return next
	}

	changed := outcome.ContentHash != "" && outcome.ContentHash != page.LastContentHash
	if s.renderChanged(page, outcome) {
		changed = true
	}
	if changed {
		next.ConsecutiveNoChangeCount = 0
		changedAt := now
		next.LastChangedAt = &changedAt
	}
	if outcome.ContentHash != "" {
		next.LastContentHash = outcome.ContentHash
	}
	if outcome.Rendered {
		renderedAt := now
		next.LastRenderedAt = &renderedAt
		next.LastRenderedHash = outcome.RenderedHash
	}
	if !changed {
		next.ConsecutiveNoChangeCount++
	}
	s.clearError(&next)
	return next
}

// renderChanged reports a change seen only in the rendered DOM. Always-render
// pages are client-rendered, so their cheap hash stays put while the render moves.
func (s *Scheduler) renderChanged(page crawler.TrackedPage, outcome CrawlOutcome) bool {
	if !outcome.Rendered || outcome.RenderedHash == "" || page.LastRenderedHash == "" {
		return false
	}
	return outcome.RenderedHash != page.LastRenderedHash && s.alwaysRender(page)
}

func (s *Scheduler) recordError(page *crawler.TrackedPage, err error, now time.Time) {
	if page.Schedulable() {
		page.Status = crawler.PageStatusError
	}
	page.LastError = err.Error()
	at := now
	page.LastErrorAt = &at
}

func (s *Scheduler) clearError(page *crawler.TrackedPage) {
	if page.Schedulable() {
		page.Status = crawler.PageStatusActive
	}
	page.LastError = ""
}
