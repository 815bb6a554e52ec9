package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// PublisherSink forwards change events to a topic, one message per event.
// Events below MinSeverity are skipped.
type PublisherSink struct {
	publisher   crawler.Publisher
	topic       string
	minSeverity crawler.Severity
	logger      *zap.Logger
}

// NewPublisherSink constructs a PublisherSink. An empty minSeverity forwards everything.
func NewPublisherSink(
	publisher crawler.Publisher,
	topic string,
	minSeverity crawler.Severity,
	logger *zap.Logger,
) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{
		publisher:   publisher,
		topic:       topic,
		minSeverity: minSeverity,
		logger:      logger.Named("publisher_sink"),
	}
}

// Consume publishes each qualifying event. A failed publish does not stop the
// rest of the batch; all failures are joined into the returned error.
func (s *PublisherSink) Consume(ctx context.Context, batch []crawler.ChangeEvent) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Severity.Rank() < s.minSeverity.Rank() {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.ID, err))
			continue
		}
		s.logger.Debug("change event published",
			zap.String("event_id", evt.ID),
			zap.String("message_id", id),
			zap.String("topic", s.topic),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
