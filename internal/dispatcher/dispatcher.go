// Package dispatcher manages worker fan-out over the page queue and plans which
// tracked pages are due for a check.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/metrics"
	"github.com/JakeFAU/oem-monitor/internal/scheduler"
	"github.com/JakeFAU/oem-monitor/internal/worker"
)

// DefaultPlanInterval is how often the planner lists pages when none is configured.
const DefaultPlanInterval = time.Minute

// Worker is the slice of *worker.Worker the dispatcher drives.
type Worker interface {
	Run(ctx context.Context, queue crawler.Queue, done func(crawler.QueueItem, worker.PageResult))
	Process(ctx context.Context, page crawler.TrackedPage) worker.PageResult
	Current() (crawler.QueueItem, bool)
	MarkFailed(ctx context.Context, page crawler.TrackedPage, err error)
}

// Planner decides whether a page is due.
type Planner interface {
	ShouldCheck(page crawler.TrackedPage) scheduler.CheckDecision
}

// Config controls planning cadence.
type Config struct {
	PlanInterval time.Duration
}

// Summary tallies one batch run.
type Summary struct {
	Checked   int
	Rendered  int
	Extracted int
	Changed   int
	Events    int
	Failed    int
}

func (s *Summary) add(res worker.PageResult) {
	s.Checked++
	if res.Rendered {
		s.Rendered++
	}
	if res.StaticExtraction {
		s.Extracted++
	}
	if len(res.Events) > 0 {
		s.Changed++
	}
	s.Events += len(res.Events)
	if res.FetchErr != nil || res.RenderErr != nil {
		s.Failed++
	}
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Worker
	pages   crawler.PageStore
	planner Planner
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Dispatcher.
func New(
	queue crawler.Queue,
	workers []Worker,
	pages crawler.PageStore,
	planner Planner,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.PlanInterval <= 0 {
		cfg.PlanInterval = DefaultPlanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		pages:    pages,
		planner:  planner,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
		inFlight: make(map[string]struct{}),
	}
}

// Run starts all workers, plans on every tick, and blocks until the context
// finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(id int, wk Worker) {
			defer wg.Done()
			d.supervise(ctx, id, wk)
		}(i, w)
	}

	ticker := time.NewTicker(d.cfg.PlanInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Plan(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("plan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

// Plan enqueues every due page that is not already queued or in progress.
// It returns the number of pages enqueued.
func (d *Dispatcher) Plan(ctx context.Context) (int, error) {
	due, err := d.duePages(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, page := range due {
		if !d.claim(page.ID) {
			continue
		}
		if err := d.Enqueue(ctx, crawler.QueueItem{Page: page, Submitted: time.Now().UnixMilli()}); err != nil {
			d.release(page.ID)
			return n, err
		}
		n++
	}
	if n > 0 {
		d.logger.Info("pages enqueued", zap.Int("count", n), zap.Int("due", len(due)))
	}
	return n, nil
}

// RunOnce processes every due page once, bounded by the worker count, and
// returns when all of them finished.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	if len(d.workers) == 0 {
		return summary, errors.New("dispatcher: no workers")
	}
	due, err := d.duePages(ctx)
	if err != nil {
		return summary, err
	}

	free := make(chan Worker, len(d.workers))
	for _, w := range d.workers {
		free <- w
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(d.workers))
	for _, page := range due {
		page := page
		if !d.claim(page.ID) {
			continue
		}
		g.Go(func() error {
			defer d.release(page.ID)
			w := <-free
			defer func() { free <- w }()
			res, ok := d.processGuarded(gctx, w, page)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				summary.Checked++
				summary.Failed++
				return nil
			}
			summary.add(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("run once: %w", err)
	}
	d.logger.Info("batch finished",
		zap.Int("checked", summary.Checked),
		zap.Int("rendered", summary.Rendered),
		zap.Int("extracted", summary.Extracted),
		zap.Int("changed", summary.Changed),
		zap.Int("events", summary.Events),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// Submit queues page for an immediate check unless it is already in flight.
// It reports whether the page was queued.
func (d *Dispatcher) Submit(ctx context.Context, page crawler.TrackedPage) (bool, error) {
	if !page.Schedulable() {
		return false, fmt.Errorf("page %s is %s", page.ID, page.Status)
	}
	if !d.claim(page.ID) {
		return false, nil
	}
	if err := d.Enqueue(ctx, crawler.QueueItem{Page: page, Submitted: time.Now().UnixMilli()}); err != nil {
		d.release(page.ID)
		return false, err
	}
	return true, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// InFlight reports how many pages are queued or being processed.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) duePages(ctx context.Context) ([]crawler.TrackedPage, error) {
	pages, err := d.pages.ListPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var due []crawler.TrackedPage
	for _, page := range pages {
		if d.planner.ShouldCheck(page).Due {
			due = append(due, page)
		}
	}
	return due, nil
}

// supervise restarts a worker after a recovered panic until Run returns normally.
func (d *Dispatcher) supervise(ctx context.Context, id int, w Worker) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		if d.runGuarded(ctx, logger, w) || ctx.Err() != nil {
			return
		}
		logger.Warn("restarting worker after panic")
	}
}

func (d *Dispatcher) runGuarded(ctx context.Context, logger *zap.Logger, w Worker) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			item, ok := w.Current()
			if !ok {
				metrics.ObserveWorkerPanic()
				logger.Error("worker panicked outside a page", zap.Any("panic", r), zap.Stack("stack"))
				return
			}
			d.recovered(ctx, logger, w, item.Page, r)
			d.release(item.Page.ID)
		}
	}()
	w.Run(ctx, d.queue, d.done)
	return true
}

func (d *Dispatcher) processGuarded(ctx context.Context, w Worker, page crawler.TrackedPage) (res worker.PageResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.recovered(ctx, d.logger, w, page, r)
			ok = false
		}
	}()
	return w.Process(ctx, page), true
}

func (d *Dispatcher) recovered(ctx context.Context, logger *zap.Logger, w Worker, page crawler.TrackedPage, r any) {
	metrics.ObserveWorkerPanic()
	logger.Error("page pipeline panicked",
		zap.String("page_id", page.ID),
		zap.String("url", page.URL),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
	w.MarkFailed(ctx, page, fmt.Errorf("worker panic: %v", r))
}

func (d *Dispatcher) done(item crawler.QueueItem, _ worker.PageResult) {
	d.release(item.Page.ID)
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}
