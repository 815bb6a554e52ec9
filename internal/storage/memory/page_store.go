package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// PageStore provides an in-memory crawler.PageStore.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]crawler.TrackedPage
}

// NewPageStore constructs a PageStore seeded with pages.
func NewPageStore(pages ...crawler.TrackedPage) *PageStore {
	s := &PageStore{pages: make(map[string]crawler.TrackedPage, len(pages))}
	for _, p := range pages {
		s.pages[p.ID] = clonePage(p)
	}
	return s
}

// ListPages returns every page ordered by ID.
func (s *PageStore) ListPages(_ context.Context) ([]crawler.TrackedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.TrackedPage, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, clonePage(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPage fetches a page by ID.
func (s *PageStore) GetPage(_ context.Context, id string) (crawler.TrackedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[id]
	if !ok {
		return crawler.TrackedPage{}, fmt.Errorf("page %s: %w", id, crawler.ErrNotFound)
	}
	return clonePage(p), nil
}

// SavePage inserts or replaces a page.
func (s *PageStore) SavePage(_ context.Context, page crawler.TrackedPage) error {
	if page.ID == "" {
		return fmt.Errorf("page id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID] = clonePage(page)
	return nil
}

func clonePage(p crawler.TrackedPage) crawler.TrackedPage {
	p.LastCheckedAt = cloneTime(p.LastCheckedAt)
	p.LastRenderedAt = cloneTime(p.LastRenderedAt)
	p.LastChangedAt = cloneTime(p.LastChangedAt)
	p.LastErrorAt = cloneTime(p.LastErrorAt)
	return p
}
