// Package redis provides a render budget ledger shared by every worker that
// points at the same Redis instance.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/oem-monitor/internal/budget"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

const (
	defaultKeyPrefix = "monitor:budget"
	// Counters outlive their month so late releases still find them.
	defaultTTL = 40 * 24 * time.Hour
)

// reserveScript compares both counters against their caps and increments
// them in one step. Returns {allowed, site, global, reason} where reason is
// 1 for the site cap and 2 for the global cap.
var reserveScript = redis.NewScript(`
local site = tonumber(redis.call('GET', KEYS[1]) or '0')
local global = tonumber(redis.call('GET', KEYS[2]) or '0')
local siteCap = tonumber(ARGV[1])
local globalCap = tonumber(ARGV[2])
if siteCap > 0 and site >= siteCap then
  return {0, site, global, 1}
end
if globalCap > 0 and global >= globalCap then
  return {0, site, global, 2}
end
site = redis.call('INCR', KEYS[1])
global = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return {1, site, global, 0}
`)

// releaseScript decrements both counters without letting them go negative.
var releaseScript = redis.NewScript(`
for i = 1, 2 do
  local v = tonumber(redis.call('GET', KEYS[i]) or '0')
  if v > 0 then
    redis.call('DECR', KEYS[i])
  end
end
return 1
`)

// Options tunes key layout and retention.
type Options struct {
	KeyPrefix string
	TTL       time.Duration
}

// Ledger implements crawler.BudgetLedger on Redis.
type Ledger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts Options) *Ledger {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Ledger{client: client, prefix: strings.TrimSuffix(opts.KeyPrefix, ":"), ttl: opts.TTL}
}

// keys returns the site and global counters for period. The period is the
// hash tag, so both land in one cluster slot and a single script can touch them.
func (l *Ledger) keys(siteID, period string) []string {
	tag := l.prefix + ":{" + period + "}"
	return []string{
		tag + ":site:" + siteID,
		tag + ":global",
	}
}

// Reserve atomically checks and increments the site and global counters.
func (l *Ledger) Reserve(ctx context.Context, siteID, period string, siteCap, globalCap int) (crawler.Reservation, error) {
	if err := budget.ValidatePeriod(siteID, period); err != nil {
		return crawler.Reservation{}, err
	}
	raw, err := reserveScript.Run(ctx, l.client, l.keys(siteID, period),
		siteCap, globalCap, int64(l.ttl/time.Second)).Int64Slice()
	if err != nil {
		return crawler.Reservation{}, fmt.Errorf("reserve render budget: %w", err)
	}
	if len(raw) != 4 {
		return crawler.Reservation{}, fmt.Errorf("reserve render budget: unexpected reply length %d", len(raw))
	}
	res := crawler.Reservation{
		Allowed: raw[0] == 1,
		Usage:   crawler.Usage{Site: int(raw[1]), Global: int(raw[2])},
	}
	switch raw[3] {
	case 1:
		res.Reason = budget.ReasonSiteCap
	case 2:
		res.Reason = budget.ReasonGlobalCap
	}
	return res, nil
}

// Release refunds one reservation.
func (l *Ledger) Release(ctx context.Context, siteID, period string) error {
	if err := budget.ValidatePeriod(siteID, period); err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, l.client, l.keys(siteID, period)).Err(); err != nil {
		return fmt.Errorf("release render budget: %w", err)
	}
	return nil
}

// Usage reads both counters.
func (l *Ledger) Usage(ctx context.Context, siteID, period string) (crawler.Usage, error) {
	if err := budget.ValidatePeriod(siteID, period); err != nil {
		return crawler.Usage{}, err
	}
	vals, err := l.client.MGet(ctx, l.keys(siteID, period)...).Result()
	if err != nil {
		return crawler.Usage{}, fmt.Errorf("read render budget: %w", err)
	}
	site, err := toInt(vals[0])
	if err != nil {
		return crawler.Usage{}, err
	}
	global, err := toInt(vals[1])
	if err != nil {
		return crawler.Usage{}, err
	}
	return crawler.Usage{Site: site, Global: global}, nil
}

func toInt(v any) (int, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
			return 0, fmt.Errorf("parse budget counter %q: %w", val, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected budget counter type %T", v)
	}
}
