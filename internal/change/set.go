package change

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Set hands out per-site detectors built from a shared base policy.
type Set struct {
	base   Config
	sites  map[string]SiteConfig
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger

	mu        sync.Mutex
	detectors map[string]*Detector
}

// NewSet validates every site policy up front so configuration errors
// surface at startup.
func NewSet(base Config, sites map[string]SiteConfig, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{
		base:      base,
		sites:     sites,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		detectors: make(map[string]*Detector),
	}
	for siteID := range sites {
		if _, err := s.For(siteID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// For returns the detector for siteID, building it on first use.
func (s *Set) For(siteID string) (*Detector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.detectors[siteID]; ok {
		return d, nil
	}
	cfg := s.base
	if site, ok := s.sites[siteID]; ok {
		cfg = cfg.WithSite(site)
	}
	d, err := New(siteID, cfg, s.ids, s.clock, s.logger)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", siteID, err)
	}
	s.detectors[siteID] = d
	return d, nil
}
