package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs the cheap, non-rendering check of a page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer loads a page in a browser and captures its network exchanges.
type Renderer interface {
	Render(ctx context.Context, request FetchRequest) (RenderResponse, error)
}

// HeadlessDetector flags cheap responses that look like an unrendered SPA shell.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// LLM completes a prompt. The extraction engine only relies on the returned text.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// PageStore persists tracked pages.
type PageStore interface {
	ListPages(ctx context.Context) ([]TrackedPage, error)
	GetPage(ctx context.Context, id string) (TrackedPage, error)
	SavePage(ctx context.Context, page TrackedPage) error
}

// SnapshotStore persists the last-known state of every extracted entity.
type SnapshotStore interface {
	// LoadSnapshot returns (nil, nil) when the entity has never been seen.
	LoadSnapshot(ctx context.Context, entityType RecordKind, entityID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	ListSnapshots(ctx context.Context, pageURL string, entityType RecordKind) ([]Snapshot, error)
}

// BudgetLedger tracks month-to-date render counts shared by all workers.
type BudgetLedger interface {
	// Reserve atomically checks both caps and increments both counters when allowed.
	Reserve(ctx context.Context, siteID, period string, siteCap, globalCap int) (Reservation, error)
	Release(ctx context.Context, siteID, period string) error
	Usage(ctx context.Context, siteID, period string) (Usage, error)
}

// ChangeSink receives detected change events.
type ChangeSink interface {
	Emit(ctx context.Context, event ChangeEvent)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for pages awaiting a check.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces change event IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
