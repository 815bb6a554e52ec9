// Package notify provides the non-blocking hub that workers hand change events
// to. It batches events on a background goroutine and fans them out to
// pluggable sinks such as structured logs, Prometheus metrics, an event
// archive, or a Pub/Sub publisher.
package notify
