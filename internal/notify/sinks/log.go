package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// LogSink emits one structured log line per change event. Critical and high
// severity events log at warn so they stand out in aggregated logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("changes")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []crawler.ChangeEvent) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.String("site_id", evt.SiteID),
			zap.String("page_url", evt.PageURL),
			zap.String("entity_type", string(evt.EntityType)),
			zap.String("entity_key", evt.EntityKey),
			zap.String("event_type", string(evt.EventType)),
			zap.String("severity", string(evt.Severity)),
			zap.Bool("batched", evt.Batched),
			zap.Strings("fields", diffFields(evt)),
		}
		if evt.EntityID != nil {
			fields = append(fields, zap.String("entity_id", *evt.EntityID))
		}
		s.logger.Log(levelFor(evt.Severity), evt.Summary, fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(severity crawler.Severity) zapcore.Level {
	if severity.Rank() >= crawler.SeverityHigh.Rank() {
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}
