package notify

import (
	"context"
	"errors"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Sink consumes batches of change events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.ChangeEvent) error
	Close(ctx context.Context) error
}

// Validate performs coarse validation on change events before they are queued.
func Validate(evt crawler.ChangeEvent) error {
	switch {
	case evt.ID == "":
		return errors.New("event id is required")
	case evt.SiteID == "":
		return errors.New("site id is required")
	case evt.EntityKey == "":
		return errors.New("entity key is required")
	case evt.EventType == "":
		return errors.New("event type is required")
	case evt.DetectedAt.IsZero():
		return errors.New("detected_at is required")
	}
	return nil
}
