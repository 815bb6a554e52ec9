package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the pipeline. Callers wrap these with context
// and test with errors.Is.
var (
	// ErrFetch marks a failed cheap check (network, DNS, 4xx/5xx).
	ErrFetch = errors.New("fetch failed")
	// ErrRender marks a failed or timed-out render.
	ErrRender = errors.New("render failed")
	// ErrClassification marks a malformed exchange body; the exchange is skipped.
	ErrClassification = errors.New("classification failed")
	// ErrExtraction marks a cascade that produced no records at all.
	ErrExtraction = errors.New("extraction produced no records")
	// ErrLLMFallback marks an LLM collaborator error or unusable JSON.
	ErrLLMFallback = errors.New("llm fallback failed")
	// ErrSnapshotCorrupt marks a stored snapshot that cannot be decoded.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	// ErrNotFound is returned by stores for unknown keys.
	ErrNotFound = errors.New("not found")
)

// StatusError carries the HTTP status of a failed fetch so politeness
// limiters can react to throttling responses.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
