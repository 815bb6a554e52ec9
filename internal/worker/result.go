package worker

import (
	"time"

	"github.com/JakeFAU/oem-monitor/internal/archive"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/extract"
	"github.com/JakeFAU/oem-monitor/internal/scheduler"
)

// PageResult reports what one pipeline run did to one page. Fetch and render
// failures are carried here and on Page rather than returned as errors.
type PageResult struct {
	// Page is the state saved after the run.
	Page        crawler.TrackedPage
	ContentHash string
	// ShellSuspected is set when the cheap response looks like an SPA shell.
	ShellSuspected bool
	Render         scheduler.RenderDecision
	// Budget is nil when no reservation was attempted.
	Budget   *scheduler.BudgetDecision
	Rendered bool
	// StaticExtraction is set when records were extracted from the cheap HTML
	// because no renderer is configured.
	StaticExtraction bool
	Candidates       []crawler.APICandidate
	// Extraction is nil when nothing was extracted.
	Extraction *extract.PageExtractionResult
	Events     []crawler.ChangeEvent
	Archive    *archive.Record

	FetchErr  error
	RenderErr error
	// Errors collects non-fatal problems: classification, extraction, LLM,
	// snapshot and store failures.
	Errors   []error
	Duration time.Duration
}

// Outcome labels the run for metrics and logs.
func (r PageResult) Outcome() string {
	switch {
	case r.FetchErr != nil:
		return "fetch_error"
	case r.RenderErr != nil:
		return "render_error"
	case (r.Rendered || r.StaticExtraction) && len(r.Events) > 0:
		return "changed"
	case r.Rendered:
		return "rendered"
	case r.StaticExtraction:
		return "extracted"
	case r.Budget != nil && !r.Budget.Allowed:
		return "budget_denied"
	default:
		return "unchanged"
	}
}
