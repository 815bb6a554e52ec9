package sinks

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// PrometheusSink exports delivered change events via Prometheus. It owns its
// collectors so tests can register them against a private registry.
type PrometheusSink struct {
	delivered  *prometheus.CounterVec
	fieldDiffs *prometheus.CounterVec
	batched    *prometheus.CounterVec
	batchSize  prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_notified_events_total",
			Help: "Change events delivered to sinks partitioned by site, event type, and severity.",
		}, []string{"site", "event_type", "severity"}),
		fieldDiffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_notified_field_diffs_total",
			Help: "Tracked field differences carried by delivered change events.",
		}, []string{"entity_type", "field"}),
		batched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_notified_batched_total",
			Help: "Cosmetic change events marked for digest delivery.",
		}, []string{"site"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_notify_batch_size",
			Help:    "Number of change events per hub flush.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.delivered,
		s.fieldDiffs,
		s.batched,
		s.batchSize,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register change collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.ChangeEvent) error {
	if len(batch) == 0 {
		return nil
	}
	s.batchSize.Observe(float64(len(batch)))
	for _, evt := range batch {
		site := evt.SiteID
		if site == "" {
			site = "unknown"
		}
		s.delivered.WithLabelValues(site, string(evt.EventType), string(evt.Severity)).Inc()
		if evt.Batched {
			s.batched.WithLabelValues(site).Inc()
		}
		for _, field := range diffFields(evt) {
			s.fieldDiffs.WithLabelValues(string(evt.EntityType), field).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func diffFields(evt crawler.ChangeEvent) []string {
	out := make([]string, 0, len(evt.FieldDiffs))
	for field := range evt.FieldDiffs {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}
