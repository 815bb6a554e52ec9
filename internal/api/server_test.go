package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/budget/memory"
	"github.com/JakeFAU/oem-monitor/internal/clock/system"
	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/dispatcher"
	queueMemory "github.com/JakeFAU/oem-monitor/internal/queue/memory"
	"github.com/JakeFAU/oem-monitor/internal/scheduler"
	storemem "github.com/JakeFAU/oem-monitor/internal/storage/memory"
)

type fixture struct {
	server    *Server
	pages     *storemem.PageStore
	snapshots *storemem.SnapshotStore
	queue     *queueMemory.Queue
	ledger    *memory.Ledger
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		pages: storemem.NewPageStore(
			crawler.TrackedPage{ID: "p1", SiteID: "acme", URL: "https://acme.example.com/", Status: crawler.PageStatusActive},
			crawler.TrackedPage{ID: "p2", SiteID: "acme", URL: "https://acme.example.com/offers", Status: crawler.PageStatusError},
			crawler.TrackedPage{ID: "p3", SiteID: "zenith", URL: "https://zenith.example.com/", Status: crawler.PageStatusBlocked},
		),
		snapshots: storemem.NewSnapshotStore(),
		queue:     queueMemory.NewQueue(10),
		ledger:    memory.New(),
	}
	clock := system.NewFixed(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	sched := scheduler.New(scheduler.Config{SiteRenderCap: 10, GlobalRenderCap: 100}, clock, f.ledger, nil)
	dispatch := dispatcher.New(f.queue, nil, f.pages, sched, dispatcher.Config{}, nil)
	f.server = NewServer(f.pages, f.snapshots, dispatch, sched, opts, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := newFixture(t, Options{}).do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestReadyzReportsFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{ReadyChecks: map[string]ReadyCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}})
	rec := f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "redis")
	require.NotContains(t, rec.Body.String(), "postgres")

	ok := newFixture(t, Options{}).do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	f.do(t, http.MethodGet, "/healthz", nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListPagesFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	var body struct {
		Pages []crawler.TrackedPage `json:"pages"`
	}

	rec := f.do(t, http.MethodGet, "/v1/pages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.Len(t, body.Pages, 3)

	rec = f.do(t, http.MethodGet, "/v1/pages?site_id=acme&status=error", nil)
	decode(t, rec, &body)
	require.Len(t, body.Pages, 1)
	require.Equal(t, "p2", body.Pages[0].ID)
}

func TestGetPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/v1/pages/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page crawler.TrackedPage
	decode(t, rec, &page)
	require.Equal(t, "acme", page.SiteID)

	rec = f.do(t, http.MethodGet, "/v1/pages/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSnapshots(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	require.NoError(t, f.snapshots.SaveSnapshot(context.Background(), crawler.Snapshot{
		EntityType: crawler.KindOffer,
		EntityID:   "e1",
		SiteID:     "acme",
		PageURL:    "https://acme.example.com/",
		Title:      "0.9% APR",
	}))

	rec := f.do(t, http.MethodGet, "/v1/pages/p1/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Snapshots []crawler.Snapshot `json:"snapshots"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Snapshots, 1)
	require.Equal(t, "e1", body.Snapshots[0].EntityID)

	rec = f.do(t, http.MethodGet, "/v1/pages/p1/snapshots?type=product", nil)
	decode(t, rec, &body)
	require.Empty(t, body.Snapshots)

	rec = f.do(t, http.MethodGet, "/v1/pages/p1/snapshots?type=car", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckPageQueuesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/v1/pages/p1/check", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, f.queue.Len())

	rec = f.do(t, http.MethodPost, "/v1/pages/p1/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "in_flight")
	require.Equal(t, 1, f.queue.Len())

	item, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "p1", item.Page.ID)
}

func TestCheckPageRejectsParkedPage(t *testing.T) {
	t.Parallel()

	rec := newFixture(t, Options{}).do(t, http.MethodPost, "/v1/pages/p3/check", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckPageWithoutSubmitter(t *testing.T) {
	t.Parallel()

	server := NewServer(storemem.NewPageStore(), storemem.NewSnapshotStore(), nil, nil, Options{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pages/p1/check", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetBudget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	_, err := f.ledger.Reserve(context.Background(), "acme", "2025-05", 10, 100)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/budget/acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		SiteID    string        `json:"site_id"`
		Usage     crawler.Usage `json:"usage"`
		SiteCap   int           `json:"site_cap"`
		GlobalCap int           `json:"global_cap"`
	}
	decode(t, rec, &body)
	require.Equal(t, "acme", body.SiteID)
	require.Equal(t, crawler.Usage{Site: 1, Global: 1}, body.Usage)
	require.Equal(t, 10, body.SiteCap)
	require.Equal(t, 100, body.GlobalCap)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{APIKey: "secret"})

	rec := f.do(t, http.MethodGet, "/v1/pages", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pages", http.Header{"X-Api-Key": []string{"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/healthz", http.Header{"X-Request-Id": []string{"req-1"}})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestListPagesStoreError(t *testing.T) {
	t.Parallel()

	server := NewServer(failingPages{}, storemem.NewSnapshotStore(), nil, nil, Options{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pages", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type failingPages struct{}

func (failingPages) ListPages(context.Context) ([]crawler.TrackedPage, error) {
	return nil, errors.New("boom")
}

func (failingPages) GetPage(context.Context, string) (crawler.TrackedPage, error) {
	return crawler.TrackedPage{}, errors.New("boom")
}

func (failingPages) SavePage(context.Context, crawler.TrackedPage) error {
	return errors.New("boom")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
