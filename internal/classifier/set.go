package classifier

import (
	"fmt"

	"go.uber.org/zap"
)

// Set holds one Classifier per configured site plus a fallback built from the
// base config alone.
type Set struct {
	base  *Classifier
	sites map[string]*Classifier
}

// NewSet compiles base layered with each site's lists.
func NewSet(base Config, sites map[string]SiteConfig, logger *zap.Logger) (*Set, error) {
	fallback, err := New(base, logger)
	if err != nil {
		return nil, err
	}
	set := &Set{base: fallback, sites: make(map[string]*Classifier, len(sites))}
	for siteID, site := range sites {
		c, err := New(base.WithSite(site), logger)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", siteID, err)
		}
		set.sites[siteID] = c
	}
	return set, nil
}

// For returns the classifier for siteID.
func (s *Set) For(siteID string) *Classifier {
	if c, ok := s.sites[siteID]; ok {
		return c
	}
	return s.base
}
