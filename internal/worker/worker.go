// Package worker runs the per-page pipeline: politeness wait, cheap check,
// hash compare, render gate, render, classification, extraction, change
// detection, and page state persistence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/archive"
	"github.com/JakeFAU/oem-monitor/internal/change"
	"github.com/JakeFAU/oem-monitor/internal/classifier"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/extract"
	"github.com/JakeFAU/oem-monitor/internal/metrics"
	"github.com/JakeFAU/oem-monitor/internal/scheduler"
)

// Default timeouts for the external calls of one run.
const (
	DefaultFetchTimeout  = 20 * time.Second
	DefaultRenderTimeout = 60 * time.Second
)

// Politeness throttles requests per host and adapts to throttling responses.
type Politeness interface {
	Wait(ctx context.Context, rawURL string) error
	ReportResult(rawURL string, statusCode int)
}

// ContentHasher hashes the normalized form of a cheap-check body.
type ContentHasher interface {
	Hash(raw string) string
}

// Config controls Worker behavior.
type Config struct {
	FetchTimeout  time.Duration
	RenderTimeout time.Duration
	// Rules holds the CSS extraction rules per site.
	Rules map[string]crawler.SiteRules
}

// Deps are the collaborators a Worker drives. Renderer, Shell, Politeness and
// Archive are optional. Without a Renderer the worker extracts from the cheap
// HTML and never reserves render budget.
type Deps struct {
	Pages       crawler.PageStore
	Snapshots   crawler.SnapshotStore
	Fetcher     crawler.Fetcher
	Renderer    crawler.Renderer
	Shell       crawler.HeadlessDetector
	Politeness  Politeness
	Hasher      ContentHasher
	Scheduler   *scheduler.Scheduler
	Classifiers *classifier.Set
	Engine      *extract.Engine
	Detectors   *change.Set
	Sink        crawler.ChangeSink
	Archive     *archive.Archiver
}

// Worker consumes queue items and executes the page pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	current *crawler.QueueItem
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Pages == nil:
		return nil, errors.New("worker: page store is required")
	case deps.Snapshots == nil:
		return nil, errors.New("worker: snapshot store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Hasher == nil:
		return nil, errors.New("worker: hasher is required")
	case deps.Scheduler == nil:
		return nil, errors.New("worker: scheduler is required")
	case deps.Classifiers == nil:
		return nil, errors.New("worker: classifier set is required")
	case deps.Engine == nil:
		return nil, errors.New("worker: extraction engine is required")
	case deps.Detectors == nil:
		return nil, errors.New("worker: detector set is required")
	case deps.Sink == nil:
		return nil, errors.New("worker: change sink is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}, nil
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. done is called after every processed item. Panics are not recovered
// here; the dispatcher supervises workers.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue, done func(crawler.QueueItem, PageResult)) {
	w.setCurrent(nil)
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Info("queue drained, worker stopping", zap.Error(err))
			}
			return
		}
		result := w.processItem(ctx, item)
		if done != nil {
			done(item, result)
		}
	}
}

// processItem leaves the current item set when Process panics so the
// supervisor can attribute the failure.
func (w *Worker) processItem(ctx context.Context, item crawler.QueueItem) PageResult {
	w.setCurrent(&item)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	result := w.Process(ctx, item.Page)
	w.setCurrent(nil)
	return result
}

// Current returns the item being processed, if any.
func (w *Worker) Current() (crawler.QueueItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return crawler.QueueItem{}, false
	}
	return *w.current, true
}

func (w *Worker) setCurrent(item *crawler.QueueItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = item
}

// Process runs the full pipeline for page and persists the advanced page state.
func (w *Worker) Process(ctx context.Context, page crawler.TrackedPage) PageResult {
	start := time.Now()
	logger := w.logger.With(
		zap.String("page_id", page.ID),
		zap.String("site_id", page.SiteID),
		zap.String("url", page.URL),
	)
	result := w.run(ctx, page, logger)
	result.Duration = time.Since(start)

	var fetched int
	if result.ContentHash != "" {
		fetched = 1
	}
	metrics.ObservePageCheck(page.SiteID, result.Outcome(), fetched)
	logger.Info("page processed",
		zap.String("outcome", result.Outcome()),
		zap.String("render_reason", result.Render.Reason),
		zap.Int("events", len(result.Events)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration),
	)
	return result
}

// MarkFailed records err on page and saves it. The dispatcher uses it after
// recovering a panic.
func (w *Worker) MarkFailed(ctx context.Context, page crawler.TrackedPage, err error) {
	next := w.deps.Scheduler.AfterCrawl(page, scheduler.CrawlOutcome{Err: err})
	if saveErr := w.deps.Pages.SavePage(ctx, next); saveErr != nil {
		w.logger.Error("save failed page",
			zap.String("page_id", page.ID),
			zap.Error(saveErr),
		)
	}
}

func (w *Worker) run(ctx context.Context, page crawler.TrackedPage, logger *zap.Logger) PageResult {
	var result PageResult
	outcome := scheduler.CrawlOutcome{}

	resp, err := w.fetch(ctx, page)
	if err != nil {
		logger.Warn("cheap check failed", zap.Error(err))
		result.FetchErr = err
		outcome.FetchErr = err
		return w.finish(ctx, page, outcome, result, logger)
	}
	body := string(resp.Body)
	result.ContentHash = w.deps.Hasher.Hash(body)
	outcome.ContentHash = result.ContentHash

	if w.deps.Shell != nil && w.deps.Shell.ShouldPromote(resp) {
		result.ShellSuspected = true
		metrics.ObserveShellSuspected(page.SiteID)
		logger.Info("cheap response looks like an spa shell", zap.String("category", string(page.Category)))
	}

	result.Render = w.deps.Scheduler.ShouldRender(page, result.ContentHash)
	if w.deps.Renderer == nil && result.Render.Reason == scheduler.ReasonNeverRendered {
		// Static mode never stamps LastRenderedAt; this content was already
		// extracted when its hash was first seen.
		result.Render = scheduler.RenderDecision{Reason: scheduler.ReasonUnchanged}
	}
	if !result.Render.Render {
		return w.finish(ctx, page, outcome, result, logger)
	}

	html := body
	var exchanges []crawler.NetworkExchange
	if w.deps.Renderer != nil {
		decision := w.deps.Scheduler.ReserveRender(ctx, page)
		result.Budget = &decision
		if !decision.Allowed {
			outcome.RenderSkipped = true
			return w.finish(ctx, page, outcome, result, logger)
		}
		render, err := w.render(ctx, page)
		if err != nil {
			w.deps.Scheduler.ReleaseRender(ctx, page.SiteID)
			metrics.ObserveRender(page.SiteID, "error")
			logger.Warn("render failed", zap.String("reason", result.Render.Reason), zap.Error(err))
			result.RenderErr = err
			outcome.RenderErr = err
			return w.finish(ctx, page, outcome, result, logger)
		}
		metrics.ObserveRender(page.SiteID, "ok")
		html = render.HTML
		exchanges = render.Exchanges
		result.Rendered = true
		outcome.Rendered = true
		outcome.RenderedHash = w.deps.Hasher.Hash(render.HTML)
		w.archive(ctx, page, render, &result, logger)
	} else {
		result.StaticExtraction = true
	}

	result.Candidates = w.classify(page, exchanges, &result)
	extraction := w.deps.Engine.Extract(ctx, crawler.PageContent{
		SiteID:   page.SiteID,
		URL:      page.URL,
		Category: page.Category,
		HTML:     html,
	}, result.Candidates, w.cfg.Rules[page.SiteID])
	result.Extraction = &extraction
	result.Errors = append(result.Errors, extraction.Errors...)

	if err := w.detect(ctx, page, extraction, &result, logger); err != nil {
		result.Errors = append(result.Errors, err)
	}
	return w.finish(ctx, page, outcome, result, logger)
}

func (w *Worker) fetch(ctx context.Context, page crawler.TrackedPage) (crawler.FetchResponse, error) {
	if w.deps.Politeness != nil {
		if err := w.deps.Politeness.Wait(ctx, page.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: politeness wait: %w", crawler.ErrFetch, err)
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	resp, err := w.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		PageID: page.ID,
		SiteID: page.SiteID,
		URL:    page.URL,
	})
	if w.deps.Politeness != nil {
		status := resp.StatusCode
		if err != nil {
			status = crawler.StatusCode(err)
		}
		w.deps.Politeness.ReportResult(page.URL, status)
	}
	if err != nil {
		if !errors.Is(err, crawler.ErrFetch) {
			err = fmt.Errorf("%w: %w", crawler.ErrFetch, err)
		}
		return crawler.FetchResponse{}, err
	}
	return resp, nil
}

func (w *Worker) render(ctx context.Context, page crawler.TrackedPage) (crawler.RenderResponse, error) {
	renderCtx, cancel := context.WithTimeout(ctx, w.cfg.RenderTimeout)
	defer cancel()

	resp, err := w.deps.Renderer.Render(renderCtx, crawler.FetchRequest{
		PageID: page.ID,
		SiteID: page.SiteID,
		URL:    page.URL,
	})
	if err != nil {
		if !errors.Is(err, crawler.ErrRender) {
			err = fmt.Errorf("%w: %w", crawler.ErrRender, err)
		}
		return crawler.RenderResponse{}, err
	}
	return resp, nil
}

func (w *Worker) archive(
	ctx context.Context,
	page crawler.TrackedPage,
	render crawler.RenderResponse,
	result *PageResult,
	logger *zap.Logger,
) {
	if w.deps.Archive == nil {
		return
	}
	rec, err := w.deps.Archive.Store(ctx, page, render)
	if err != nil {
		logger.Warn("archive render failed", zap.Error(err))
		result.Errors = append(result.Errors, err)
		return
	}
	result.Archive = &rec
}

func (w *Worker) classify(page crawler.TrackedPage, exchanges []crawler.NetworkExchange, result *PageResult) []crawler.APICandidate {
	if len(exchanges) == 0 {
		return nil
	}
	c := w.deps.Classifiers.For(page.SiteID)
	classified := c.Classify(exchanges)
	if len(classified.Errors) > 0 {
		metrics.ObserveClassificationErrors(len(classified.Errors))
		result.Errors = append(result.Errors, classified.Errors...)
	}
	discovered := c.Discovered(classified.Candidates)
	for _, cand := range discovered {
		metrics.ObserveAPICandidate(page.SiteID, string(cand.DataType))
	}
	return discovered
}

// detect compares every extracted record with its snapshot, emits events, and
// writes snapshots back. Removals are only evaluated for kinds with records.
func (w *Worker) detect(
	ctx context.Context,
	page crawler.TrackedPage,
	extraction extract.PageExtractionResult,
	result *PageResult,
	logger *zap.Logger,
) error {
	detector, err := w.deps.Detectors.For(page.SiteID)
	if err != nil {
		return fmt.Errorf("change detector: %w", err)
	}
	for _, kind := range crawler.RecordKinds {
		records := extraction.For(kind).Records
		if len(records) == 0 {
			continue
		}
		for _, rec := range records {
			w.detectRecord(ctx, detector, page, rec, result, logger)
		}
		w.detectRemovals(ctx, detector, page, kind, records, result, logger)
	}
	return nil
}

func (w *Worker) detectRecord(
	ctx context.Context,
	detector *change.Detector,
	page crawler.TrackedPage,
	rec crawler.ExtractedRecord,
	result *PageResult,
	logger *zap.Logger,
) {
	entityID := change.EntityID(page.SiteID, page.URL, rec)
	prev, err := w.deps.Snapshots.LoadSnapshot(ctx, rec.Kind, entityID)
	switch {
	case errors.Is(err, crawler.ErrSnapshotCorrupt):
		logger.Warn("corrupt snapshot treated as unseen",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		result.Errors = append(result.Errors, err)
		prev = nil
	case err != nil:
		result.Errors = append(result.Errors, fmt.Errorf("load snapshot %s: %w", entityID, err))
		return
	}

	snap := detector.Snapshot(rec, page.URL)
	if evt := detector.Detect(prev, rec, page.URL); evt != nil {
		w.emit(ctx, *evt, result)
	}
	if prev != nil && !prev.Removed && prev.ContentHash == snap.ContentHash && prev.PageURL == snap.PageURL {
		return
	}
	if err := w.deps.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("save snapshot %s: %w", entityID, err))
	}
}

func (w *Worker) detectRemovals(
	ctx context.Context,
	detector *change.Detector,
	page crawler.TrackedPage,
	kind crawler.RecordKind,
	records []crawler.ExtractedRecord,
	result *PageResult,
	logger *zap.Logger,
) {
	prev, err := w.deps.Snapshots.ListSnapshots(ctx, page.URL, kind)
	if err != nil {
		logger.Warn("list snapshots failed, skipping removal check", zap.String("kind", string(kind)), zap.Error(err))
		result.Errors = append(result.Errors, fmt.Errorf("list snapshots: %w", err))
		return
	}
	byID := make(map[string]crawler.Snapshot, len(prev))
	for _, snap := range prev {
		byID[snap.EntityID] = snap
	}
	for _, evt := range detector.DetectRemoved(prev, records, page.URL) {
		w.emit(ctx, evt, result)
		if evt.EntityID == nil {
			continue
		}
		snap, ok := byID[*evt.EntityID]
		if !ok {
			continue
		}
		if err := w.deps.Snapshots.SaveSnapshot(ctx, detector.MarkRemoved(snap)); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("save tombstone %s: %w", snap.EntityID, err))
		}
	}
}

func (w *Worker) emit(ctx context.Context, evt crawler.ChangeEvent, result *PageResult) {
	metrics.ObserveChangeEvent(evt.SiteID, string(evt.EventType), string(evt.Severity))
	w.deps.Sink.Emit(ctx, evt)
	result.Events = append(result.Events, evt)
}

func (w *Worker) finish(
	ctx context.Context,
	page crawler.TrackedPage,
	outcome scheduler.CrawlOutcome,
	result PageResult,
	logger *zap.Logger,
) PageResult {
	next := w.deps.Scheduler.AfterCrawl(page, outcome)
	if err := w.deps.Pages.SavePage(ctx, next); err != nil {
		logger.Error("save page failed", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Errorf("save page: %w", err))
	}
	result.Page = next
	return result
}
