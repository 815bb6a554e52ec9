// Package ratelimit keeps page checks polite with a token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/oem-monitor/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter
	cfg      Config
}

type hostLimiter struct {
	limiter *rate.Limiter
	base    rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// HostRPS overrides DefaultRPS for specific hosts.
	HostRPS map[string]float64
	// MinRPS is the floor ReportResult throttles down to.
	MinRPS float64
}

// New creates a new Limiter. A non-positive DefaultRPS disables limiting.
func New(cfg Config) *Limiter {
	if cfg.DefaultBurst <= 0 {
		cfg.DefaultBurst = 1
	}
	if cfg.MinRPS <= 0 {
		cfg.MinRPS = 0.05
	}
	return &Limiter{
		limiters: make(map[string]*hostLimiter),
		cfg:      cfg,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	hl := l.get(host)

	start := time.Now()
	if err := hl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate tokens are not delays worth recording.
	if duration := time.Since(start); duration > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, duration)
	}
	return nil
}

// ReportResult halves the host's rate after a 429 or 503 and restores it
// after any other status.
func (l *Limiter) ReportResult(rawURL string, statusCode int) {
	hl := l.get(hostOf(rawURL))
	if hl.base == rate.Inf {
		return
	}
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		next := hl.limiter.Limit() / 2
		if floor := rate.Limit(l.cfg.MinRPS); next < floor {
			next = floor
		}
		hl.limiter.SetLimit(next)
	default:
		if hl.limiter.Limit() != hl.base {
			hl.limiter.SetLimit(hl.base)
		}
	}
}

// Limit returns the current rate for the URL's host.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	return l.get(hostOf(rawURL)).limiter.Limit()
}

func (l *Limiter) get(host string) *hostLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hl, ok := l.limiters[host]; ok {
		return hl
	}
	rps := l.cfg.DefaultRPS
	if override, ok := l.cfg.HostRPS[host]; ok {
		rps = override
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	hl := &hostLimiter{limiter: rate.NewLimiter(limit, l.cfg.DefaultBurst), base: limit}
	l.limiters[host] = hl
	return hl
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
