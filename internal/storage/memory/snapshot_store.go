package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

type snapshotKey struct {
	kind crawler.RecordKind
	id   string
}

// SnapshotStore provides an in-memory crawler.SnapshotStore.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey]crawler.Snapshot
}

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[snapshotKey]crawler.Snapshot)}
}

// LoadSnapshot returns (nil, nil) for unseen entities.
func (s *SnapshotStore) LoadSnapshot(_ context.Context, entityType crawler.RecordKind, entityID string) (*crawler.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotKey{entityType, entityID}]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

// SaveSnapshot upserts by entity type and ID.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, snapshot crawler.Snapshot) error {
	if snapshot.EntityID == "" || snapshot.EntityType == "" {
		return fmt.Errorf("snapshot entity type and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey{snapshot.EntityType, snapshot.EntityID}] = cloneSnapshot(snapshot)
	return nil
}

// ListSnapshots returns the snapshots last seen on pageURL, ordered by title.
func (s *SnapshotStore) ListSnapshots(_ context.Context, pageURL string, entityType crawler.RecordKind) ([]crawler.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Snapshot
	for key, snap := range s.snapshots {
		if key.kind == entityType && snap.PageURL == pageURL {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func cloneSnapshot(s crawler.Snapshot) crawler.Snapshot {
	if s.Fields != nil {
		fields := make(map[string]any, len(s.Fields))
		for k, v := range s.Fields {
			fields[k] = v
		}
		s.Fields = fields
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
