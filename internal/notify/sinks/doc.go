// Package sinks implements concrete change event consumers: structured
// logging, Prometheus counters, a blob archive of event batches, and a
// publisher fan-out. Each sink satisfies notify.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
