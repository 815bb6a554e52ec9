package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// ArchiveSink persists every flushed batch as newline-delimited JSON in a
// blob store, partitioned by the UTC detection date of the batch's first event.
type ArchiveSink struct {
	store  crawler.BlobStore
	prefix string
	logger *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink writing under prefix (default "events").
func NewArchiveSink(store crawler.BlobStore, prefix string, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "events"
	}
	return &ArchiveSink{store: store, prefix: prefix, logger: logger.Named("event_archive")}
}

// Consume writes the batch and returns any blob store error verbatim.
func (s *ArchiveSink) Consume(ctx context.Context, batch []crawler.ChangeEvent) error {
	if s == nil || s.store == nil || len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range batch {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("encode event %s: %w", evt.ID, err)
		}
	}
	first := batch[0]
	objectPath := path.Join(
		s.prefix,
		first.DetectedAt.UTC().Format("2006/01/02"),
		fmt.Sprintf("%s-%d.jsonl", first.ID, len(batch)),
	)
	uri, err := s.store.PutObject(ctx, objectPath, "application/x-ndjson", &buf)
	if err != nil {
		return fmt.Errorf("archive change events: %w", err)
	}
	s.logger.Debug("archived change events", zap.String("uri", uri), zap.Int("events", len(batch)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
