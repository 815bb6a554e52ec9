// Package headless renders pages in headless Chrome and captures the network
// exchanges the page makes while loading.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Defaults applied by NewChromedp.
const (
	DefaultNavigationTimeout = 45 * time.Second
	DefaultSettleDelay       = 1500 * time.Millisecond
	DefaultMaxBodyBytes      = 2 << 20
	DefaultMaxExchanges      = 200
)

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to keep listening after the body is ready so
	// late XHR calls are captured.
	SettleDelay time.Duration
	// MaxBodyBytes caps the exchange bodies that are read back.
	MaxBodyBytes int64
	MaxExchanges int
}

// Renderer implements crawler.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a renderer backed by chromedp. Chrome is started
// lazily on the first render.
func NewChromedp(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = DefaultMaxExchanges
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("renderer"),
	}, nil
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates with a headless browser and returns the rendered DOM plus
// the captured exchanges. Failures, including timeouts and document
// statuses >= 400, wrap crawler.ErrRender.
func (r *Renderer) Render(ctx context.Context, request crawler.FetchRequest) (crawler.RenderResponse, error) {
	if err := r.acquire(ctx); err != nil {
		return crawler.RenderResponse{}, fmt.Errorf("%w: %w", crawler.ErrRender, err)
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	rec := newExchangeRecorder(r.cfg.MaxExchanges)
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		rec.captureEvent(ev)
	})

	start := time.Now()
	html, finalURL, bodies, err := r.run(taskCtx, request, rec)
	if err != nil {
		return crawler.RenderResponse{}, fmt.Errorf("%w: %s: %w", crawler.ErrRender, request.URL, err)
	}

	status, _, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if status >= http.StatusBadRequest {
		return crawler.RenderResponse{}, fmt.Errorf("%w: %s: document status %d", crawler.ErrRender, request.URL, status)
	}
	exchanges := rec.exchanges(bodies)
	r.logger.Debug("rendered page",
		zap.String("url", responseURL),
		zap.Int("exchanges", len(exchanges)),
		zap.Duration("duration", time.Since(start)),
	)
	return crawler.RenderResponse{
		URL:       responseURL,
		HTML:      html,
		Exchanges: exchanges,
		Duration:  time.Since(start),
	}, nil
}

func (r *Renderer) run(
	ctx context.Context,
	request crawler.FetchRequest,
	rec *exchangeRecorder,
) (string, string, map[network.RequestID]string, error) {
	var (
		html     string
		finalURL string
		bodies   = make(map[network.RequestID]string)
	)
	actions := []chromedp.Action{
		r.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, id := range rec.pending(r.cfg.MaxBodyBytes) {
				body, err := network.GetResponseBody(id).Do(ctx)
				if err != nil {
					// Evicted or opaque responses keep a nil body.
					continue
				}
				bodies[id] = string(body)
			}
			return nil
		}),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", "", nil, fmt.Errorf("render timed out: %w", err)
		}
		return "", "", nil, fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, bodies, nil
}

func (r *Renderer) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response is the page itself; later ones are iframes.
	if m.url != "" {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
