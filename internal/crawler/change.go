package crawler

import "time"

// EventType classifies a detected change.
type EventType string

// Change event types.
const (
	EventCreated             EventType = "created"
	EventUpdated             EventType = "updated"
	EventRemoved             EventType = "removed"
	EventPriceChanged        EventType = "price_changed"
	EventAvailabilityChanged EventType = "availability_changed"
	EventDisclaimerChanged   EventType = "disclaimer_changed"
	EventImageChanged        EventType = "image_changed"
)

// Severity is the business-importance tier of a change.
type Severity string

// Severity tiers, most urgent first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities so callers can take the maximum; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// FieldDiff holds the before/after value of one tracked field.
type FieldDiff struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeEvent is emitted once per detected change and handed to a ChangeSink.
type ChangeEvent struct {
	ID         string     `json:"id"`
	SiteID     string     `json:"site_id"`
	PageURL    string     `json:"page_url"`
	EntityType RecordKind `json:"entity_type"`
	// EntityID is nil for entities seen for the first time.
	EntityID   *string              `json:"entity_id"`
	EntityKey  string               `json:"entity_key"`
	EventType  EventType            `json:"event_type"`
	Severity   Severity             `json:"severity"`
	FieldDiffs map[string]FieldDiff `json:"field_diffs,omitempty"`
	Summary    string               `json:"summary"`
	// Batched marks cosmetic changes that notifiers may digest.
	Batched    bool      `json:"batched,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Snapshot is the last-known state of one entity.
type Snapshot struct {
	EntityType  RecordKind     `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	SiteID      string         `json:"site_id"`
	PageURL     string         `json:"page_url"`
	Title       string         `json:"title"`
	ContentHash string         `json:"content_hash"`
	Fields      map[string]any `json:"fields"`
	Removed     bool           `json:"removed"`
	CapturedAt  time.Time      `json:"captured_at"`
}
