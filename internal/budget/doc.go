// Package budget holds the shared render-budget ledgers. Implementations live
// in subpackages: memory for a single process and redis for a fleet of workers
// that must share one monthly allowance.
package budget

import "errors"

// Denial reasons returned in crawler.Reservation.Reason.
const (
	ReasonSiteCap   = "site_cap"
	ReasonGlobalCap = "global_cap"
)

// ValidatePeriod rejects empty identifiers before they reach a ledger key.
func ValidatePeriod(siteID, period string) error {
	if siteID == "" {
		return errors.New("site id is required")
	}
	if period == "" {
		return errors.New("period is required")
	}
	return nil
}
