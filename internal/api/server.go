package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// Submitter queues an on-demand page check.
type Submitter interface {
	Submit(ctx context.Context, page crawler.TrackedPage) (bool, error)
}

// BudgetReader reports render usage and the caps applied to a site.
type BudgetReader interface {
	Usage(ctx context.Context, siteID string) (crawler.Usage, error)
	Caps(siteID string) (siteCap, globalCap int)
}

// ReadyCheck probes one downstream dependency.
type ReadyCheck func(ctx context.Context) error

// Options configures the Server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	// ReadyChecks are run by /readyz, keyed by dependency name.
	ReadyChecks map[string]ReadyCheck
}

// Server wires HTTP handlers to the stores, the dispatcher and the scheduler.
type Server struct {
	router    chi.Router
	pages     crawler.PageStore
	snapshots crawler.SnapshotStore
	submitter Submitter
	budget    BudgetReader
	opts      Options
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. submitter may be
// nil in batch mode, which disables the check route.
func NewServer(
	pages crawler.PageStore,
	snapshots crawler.SnapshotStore,
	submitter Submitter,
	budget BudgetReader,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		pages:     pages,
		snapshots: snapshots,
		submitter: submitter,
		budget:    budget,
		opts:      opts,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/pages", func(r chi.Router) {
			r.Get("/", s.listPages)
			r.Route("/{page_id}", func(r chi.Router) {
				r.Get("/", s.getPage)
				r.Get("/snapshots", s.listSnapshots)
				r.Post("/check", s.checkPage)
			})
		})
		r.Get("/budget/{site_id}", s.getBudget)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range s.opts.ReadyChecks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.pages.ListPages(r.Context())
	if err != nil {
		s.logger.Error("list pages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	site := r.URL.Query().Get("site_id")
	status := r.URL.Query().Get("status")
	out := make([]crawler.TrackedPage, 0, len(pages))
	for _, p := range pages {
		if site != "" && p.SiteID != site {
			continue
		}
		if status != "" && string(p.Status) != status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"pages": out})
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	page, ok := s.lookupPage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	page, ok := s.lookupPage(w, r)
	if !ok {
		return
	}
	kinds := crawler.RecordKinds
	if raw := r.URL.Query().Get("type"); raw != "" {
		kind, valid := parseKind(raw)
		if !valid {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", raw))
			return
		}
		kinds = []crawler.RecordKind{kind}
	}
	out := make([]crawler.Snapshot, 0)
	for _, kind := range kinds {
		snaps, err := s.snapshots.ListSnapshots(r.Context(), page.URL, kind)
		if err != nil {
			s.logger.Error("list snapshots failed", zap.String("page_id", page.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list snapshots")
			return
		}
		out = append(out, snaps...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"page_id": page.ID, "snapshots": out})
}

func (s *Server) checkPage(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "on-demand checks are not available")
		return
	}
	page, ok := s.lookupPage(w, r)
	if !ok {
		return
	}
	queued, err := s.submitter.Submit(r.Context(), page)
	if err != nil {
		status := http.StatusInternalServerError
		if !page.Schedulable() {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	if !queued {
		writeJSON(w, http.StatusOK, map[string]string{"page_id": page.ID, "status": "in_flight"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"page_id": page.ID, "status": "queued"})
}

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	usage, err := s.budget.Usage(r.Context(), siteID)
	if err != nil {
		s.logger.Error("read budget failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "budget ledger unavailable")
		return
	}
	siteCap, globalCap := s.budget.Caps(siteID)
	writeJSON(w, http.StatusOK, map[string]any{
		"site_id":    siteID,
		"usage":      usage,
		"site_cap":   siteCap,
		"global_cap": globalCap,
	})
}

func (s *Server) lookupPage(w http.ResponseWriter, r *http.Request) (crawler.TrackedPage, bool) {
	id := chi.URLParam(r, "page_id")
	page, err := s.pages.GetPage(r.Context(), id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "page not found")
		return crawler.TrackedPage{}, false
	case err != nil:
		s.logger.Error("get page failed", zap.String("page_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load page")
		return crawler.TrackedPage{}, false
	}
	return page, true
}

func parseKind(raw string) (crawler.RecordKind, bool) {
	for _, kind := range crawler.RecordKinds {
		if string(kind) == raw {
			return kind, true
		}
	}
	return "", false
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
