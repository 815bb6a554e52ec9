// Package change compares freshly extracted records against stored snapshots
// and emits severity-tagged change events.
package change

import (
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/hash/sha256"
	"github.com/JakeFAU/oem-monitor/internal/id/uuid"
	"github.com/JakeFAU/oem-monitor/internal/normalize"
)

// urlFields hold URLs whose tracking parameters are stripped.
var urlFields = map[string]struct{}{
	"url":       {},
	"link_url":  {},
	"image_url": {},
}

// Detector compares records of one site against their snapshots.
type Detector struct {
	siteID   string
	severity map[string]crawler.Severity
	ignore   []string
	scrubs   []*regexp.Regexp
	hasher   *sha256.Hasher
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger
}

// New compiles cfg into a Detector for siteID.
func New(siteID string, cfg Config, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, pattern := range cfg.IgnoreFields {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("ignore field pattern %q: %w", pattern, err)
		}
	}
	scrubs := make([]*regexp.Regexp, 0, len(cfg.ScrubPatterns))
	for _, pattern := range cfg.ScrubPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("scrub pattern %q: %w", pattern, err)
		}
		scrubs = append(scrubs, re)
	}
	severity := cfg.Severity
	if severity == nil {
		severity = DefaultSeverity()
	}
	return &Detector{
		siteID:   siteID,
		severity: severity,
		ignore:   cfg.IgnoreFields,
		scrubs:   scrubs,
		hasher:   sha256.New(),
		ids:      ids,
		clock:    clock,
		logger:   logger.With(zap.String("site_id", siteID)),
	}, nil
}

// EntityKey is the natural key of a record: site, page, kind and normalized
// title. The same model listed on two pages is two entities, each diffed
// against its own page's history.
func EntityKey(siteID, pageURL string, kind crawler.RecordKind, title string) string {
	return siteID + ":" + pageURL + ":" + string(kind) + ":" + crawler.TitleKey(title)
}

// EntityID returns the stable entity ID of rec as seen on pageURL.
func EntityID(siteID, pageURL string, rec crawler.ExtractedRecord) string {
	return uuid.EntityID(EntityKey(siteID, pageURL, rec.Kind, rec.Title()))
}

// Snapshot builds the snapshot that would be stored for rec.
func (d *Detector) Snapshot(rec crawler.ExtractedRecord, pageURL string) crawler.Snapshot {
	fields := d.canonical(rec.Fields())
	digest, err := d.hasher.HashFields(fields)
	if err != nil {
		// canonical output is plain JSON values, so this is unreachable in practice.
		d.logger.Warn("hash snapshot fields", zap.Error(err))
	}
	return crawler.Snapshot{
		EntityType:  rec.Kind,
		EntityID:    EntityID(d.siteID, pageURL, rec),
		SiteID:      d.siteID,
		PageURL:     pageURL,
		Title:       rec.Title(),
		ContentHash: digest,
		Fields:      fields,
		CapturedAt:  d.clock.Now(),
	}
}

// Detect compares rec against prev and returns the change event, or nil when
// nothing tracked changed. A nil, removed or unusable prev yields created.
func (d *Detector) Detect(prev *crawler.Snapshot, rec crawler.ExtractedRecord, pageURL string) *crawler.ChangeEvent {
	current := d.Snapshot(rec, pageURL)
	if prev == nil || prev.Removed || prev.EntityType != rec.Kind {
		return d.created(prev, current)
	}
	if prev.ContentHash == current.ContentHash {
		return nil
	}

	before := d.canonical(prev.Fields)
	diffs := make(map[string]crawler.FieldDiff)
	worst := crawler.Severity("")
	for field, sev := range d.severity {
		oldVal, newVal := before[field], current.Fields[field]
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		diffs[field] = crawler.FieldDiff{Old: oldVal, New: newVal}
		if sev.Rank() > worst.Rank() {
			worst = sev
		}
	}
	if len(diffs) == 0 {
		return nil
	}

	eventType := classify(diffs)
	id := prev.EntityID
	return d.event(crawler.ChangeEvent{
		PageURL:    pageURL,
		EntityType: rec.Kind,
		EntityID:   &id,
		EntityKey:  EntityKey(d.siteID, pageURL, rec.Kind, rec.Title()),
		EventType:  eventType,
		Severity:   worst,
		FieldDiffs: diffs,
		Summary:    summarize(eventType, rec.Kind, rec.Title(), diffs),
		Batched:    eventType == crawler.EventImageChanged,
	})
}

// DetectRemoved emits a removed event for every live snapshot whose entity is
// absent from current, the fresh extraction of pageURL. Callers only invoke it
// for record types whose fresh extraction is non-empty.
func (d *Detector) DetectRemoved(prev []crawler.Snapshot, current []crawler.ExtractedRecord, pageURL string) []crawler.ChangeEvent {
	seen := make(map[string]struct{}, len(current))
	for _, rec := range current {
		seen[EntityID(d.siteID, pageURL, rec)] = struct{}{}
	}
	var events []crawler.ChangeEvent
	for _, snap := range prev {
		if snap.Removed {
			continue
		}
		if _, ok := seen[snap.EntityID]; ok {
			continue
		}
		sev := crawler.SeverityCritical
		if snap.EntityType == crawler.KindBannerSlide {
			sev = crawler.SeverityHigh
		}
		id := snap.EntityID
		events = append(events, *d.event(crawler.ChangeEvent{
			PageURL:    snap.PageURL,
			EntityType: snap.EntityType,
			EntityID:   &id,
			EntityKey:  EntityKey(d.siteID, snap.PageURL, snap.EntityType, snap.Title),
			EventType:  crawler.EventRemoved,
			Severity:   sev,
			FieldDiffs: map[string]crawler.FieldDiff{"title": {Old: snap.Title, New: nil}},
			Summary:    fmt.Sprintf("%s %q removed", kindLabel(snap.EntityType), snap.Title),
		}))
	}
	return events
}

// MarkRemoved returns the tombstone stored for a removed entity.
func (d *Detector) MarkRemoved(snap crawler.Snapshot) crawler.Snapshot {
	snap.Removed = true
	snap.CapturedAt = d.clock.Now()
	return snap
}

func (d *Detector) created(prev *crawler.Snapshot, current crawler.Snapshot) *crawler.ChangeEvent {
	var entityID *string
	if prev != nil && prev.EntityID != "" {
		id := prev.EntityID
		entityID = &id
	}
	diffs := make(map[string]crawler.FieldDiff)
	for field := range d.severity {
		if v, ok := current.Fields[field]; ok {
			diffs[field] = crawler.FieldDiff{Old: nil, New: v}
		}
	}
	sev := crawler.SeverityMedium
	if current.EntityType == crawler.KindProduct || current.EntityType == crawler.KindOffer {
		sev = crawler.SeverityHigh
	}
	return d.event(crawler.ChangeEvent{
		PageURL:    current.PageURL,
		EntityType: current.EntityType,
		EntityID:   entityID,
		EntityKey:  EntityKey(d.siteID, current.PageURL, current.EntityType, current.Title),
		EventType:  crawler.EventCreated,
		Severity:   sev,
		FieldDiffs: diffs,
		Summary:    fmt.Sprintf("new %s %q", kindLabel(current.EntityType), current.Title),
	})
}

func (d *Detector) event(ev crawler.ChangeEvent) *crawler.ChangeEvent {
	id, err := d.ids.NewID()
	if err != nil {
		d.logger.Warn("generate change event id", zap.Error(err))
	}
	ev.ID = id
	ev.SiteID = d.siteID
	ev.DetectedAt = d.clock.Now()
	return &ev
}

// canonical scrubs noise from fields and round-trips them through JSON so
// fresh records and decoded snapshots compare equal.
func (d *Detector) canonical(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for field, value := range fields {
		if d.ignored(field) {
			continue
		}
		if v := d.scrubValue(field, value); v != nil {
			out[field] = v
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return out
	}
	var round map[string]any
	if err := json.Unmarshal(data, &round); err != nil {
		return out
	}
	return round
}

func (d *Detector) ignored(field string) bool {
	for _, pattern := range d.ignore {
		if ok, _ := path.Match(pattern, field); ok {
			return true
		}
	}
	return false
}

func (d *Detector) scrubValue(field string, value any) any {
	switch v := value.(type) {
	case string:
		if s := d.scrubString(field, v); s != "" {
			return s
		}
		return nil
	case []string:
		return d.scrubList(field, v)
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
		return d.scrubList(field, list)
	default:
		return value
	}
}

// scrubList treats lists as sets so reordering is not a change.
func (d *Detector) scrubList(field string, values []string) any {
	out := make([]string, 0, len(values))
	for _, s := range values {
		if s = d.scrubString(field, s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func (d *Detector) scrubString(field, s string) string {
	if _, ok := urlFields[field]; ok {
		s = normalize.StripTrackingParams(s)
	}
	for _, re := range d.scrubs {
		s = re.ReplaceAllString(s, "")
	}
	return strings.Join(strings.Fields(s), " ")
}

// classify applies event type precedence over the diffed fields.
func classify(diffs map[string]crawler.FieldDiff) crawler.EventType {
	has := func(field string) bool {
		_, ok := diffs[field]
		return ok
	}
	switch {
	case has("price"):
		return crawler.EventPriceChanged
	case has("availability"):
		return crawler.EventAvailabilityChanged
	case has("disclaimer"):
		return crawler.EventDisclaimerChanged
	case has("image_url") && len(diffs) == 1:
		return crawler.EventImageChanged
	default:
		return crawler.EventUpdated
	}
}

func summarize(eventType crawler.EventType, kind crawler.RecordKind, title string, diffs map[string]crawler.FieldDiff) string {
	switch eventType {
	case crawler.EventPriceChanged:
		d := diffs["price"]
		return fmt.Sprintf("%s %q price changed from %v to %v", kindLabel(kind), title, display(d.Old), display(d.New))
	case crawler.EventAvailabilityChanged:
		d := diffs["availability"]
		return fmt.Sprintf("%s %q availability changed from %v to %v", kindLabel(kind), title, display(d.Old), display(d.New))
	case crawler.EventDisclaimerChanged:
		return fmt.Sprintf("%s %q disclaimer changed", kindLabel(kind), title)
	case crawler.EventImageChanged:
		return fmt.Sprintf("%s %q image changed", kindLabel(kind), title)
	}
	fields := make([]string, 0, len(diffs))
	for field := range diffs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s %q updated: %s", kindLabel(kind), title, strings.Join(fields, ", "))
}

func display(v any) any {
	if v == nil {
		return "none"
	}
	return v
}

func kindLabel(kind crawler.RecordKind) string {
	return strings.ReplaceAll(string(kind), "_", " ")
}
