// Package memory provides an in-process render budget ledger.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/oem-monitor/internal/budget"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

type siteKey struct {
	site   string
	period string
}

// Ledger implements crawler.BudgetLedger with mutex-guarded counters.
type Ledger struct {
	mu     sync.Mutex
	sites  map[siteKey]int
	global map[string]int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		sites:  make(map[siteKey]int),
		global: make(map[string]int),
	}
}

// Reserve increments both counters when the site and global usage are below
// their caps. Caps <= 0 are unlimited.
func (l *Ledger) Reserve(_ context.Context, siteID, period string, siteCap, globalCap int) (crawler.Reservation, error) {
	if err := budget.ValidatePeriod(siteID, period); err != nil {
		return crawler.Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := siteKey{site: siteID, period: period}
	usage := crawler.Usage{Site: l.sites[key], Global: l.global[period]}
	if siteCap > 0 && usage.Site >= siteCap {
		return crawler.Reservation{Reason: budget.ReasonSiteCap, Usage: usage}, nil
	}
	if globalCap > 0 && usage.Global >= globalCap {
		return crawler.Reservation{Reason: budget.ReasonGlobalCap, Usage: usage}, nil
	}
	l.sites[key]++
	l.global[period]++
	usage.Site++
	usage.Global++
	return crawler.Reservation{Allowed: true, Usage: usage}, nil
}

// Release refunds one reservation. Counters never go below zero.
func (l *Ledger) Release(_ context.Context, siteID, period string) error {
	if err := budget.ValidatePeriod(siteID, period); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := siteKey{site: siteID, period: period}
	if l.sites[key] > 0 {
		l.sites[key]--
	}
	if l.global[period] > 0 {
		l.global[period]--
	}
	return nil
}

// Usage returns the current counters.
func (l *Ledger) Usage(_ context.Context, siteID, period string) (crawler.Usage, error) {
	if err := budget.ValidatePeriod(siteID, period); err != nil {
		return crawler.Usage{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return crawler.Usage{
		Site:   l.sites[siteKey{site: siteID, period: period}],
		Global: l.global[period],
	}, nil
}
