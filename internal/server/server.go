// Package server exposes a metadata store over HTTP
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nainya/vizmeta/internal/logger"
	"github.com/nainya/vizmeta/internal/metrics"
	"github.com/nainya/vizmeta/pkg/analytics"
	"github.com/nainya/vizmeta/pkg/metadata"
	"github.com/nainya/vizmeta/pkg/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies
const maxBodyBytes = 8 << 20

// Server serves the metadata store API
type Server struct {
	store    *metadata.Store
	engine   *query.Engine
	diag     *metadata.Diagnostics
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *logger.Logger

	ready     atomic.Bool
	startTime time.Time
}

// NewServer creates a server over store. gatherer backs /metrics; nil uses
// the default registry.
func NewServer(store *metadata.Store, m *metrics.Metrics, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	diag := store.EnableDiagnostics()
	return &Server{
		store:     store,
		engine:    query.NewEngine(diag),
		diag:      diag,
		metrics:   m,
		gatherer:  gatherer,
		log:       log,
		startTime: time.Now(),
	}
}

// SetReady flips the readiness check
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Routes builds the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/metadata", s.handleGetItems)
		r.Get("/metadata/{id}", s.handleGetItem)
		r.Post("/metadata", s.handleAddMetadata)
		r.Post("/analytics", s.handleAddAnalytics)
		r.Put("/visualization", s.handleSetVisualization)
		r.Get("/dimensions/{id}", s.handleGetDimension)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/metadata", s.handleDump)
		r.Get("/metadata/search", s.handleSearch)
		r.Get("/subscribers", s.handleSubscribers)
		r.Mount("/", middleware.Profiler())
	})

	return r
}

// observe records metrics and a log line per request, labelled by route pattern
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.HTTPRequestsInFlight.Inc()
			defer s.metrics.HTTPRequestsInFlight.Dec()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routeOf(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(route, strconv.Itoa(status), duration)
		}
		s.log.LogHTTPRequest(r.Method, route, status, duration)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "vizmeta",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "items": s.store.Len()})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, ok := s.store.GetMetadataItem(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Sprintf("metadata item %q not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("ids query parameter is required"))
		return
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	writeJSON(w, http.StatusOK, s.store.GetMetadataItems(ids...))
}

func (s *Server) handleAddMetadata(w http.ResponseWriter, r *http.Request) {
	var input any
	if err := decodeBody(r, &input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	changed, err := s.store.AddMetadata(input)
	s.writeChanged(w, r, changed, err)
}

func (s *Server) handleAddAnalytics(w http.ResponseWriter, r *http.Request) {
	var resp analytics.Response
	if err := decodeBody(r, &resp); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	changed, err := s.store.AddAnalyticsResponseMetadata(resp.Items, resp.Dimensions, resp.Headers)
	s.writeChanged(w, r, changed, err)
}

func (s *Server) handleSetVisualization(w http.ResponseWriter, r *http.Request) {
	var vis map[string]any
	if err := decodeBody(r, &vis); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := s.store.SetVisualizationMetadata(vis); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.store.Len()})
}

func (s *Server) handleGetDimension(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	dm, err := s.store.GetDimensionMetadata(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dm)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diag.Dump())
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribers": s.diag.Subscribers(),
		"protected":   s.diag.Protected(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	qb := query.NewQueryBuilder().Search(params.Get("q"))

	if kindName := params.Get("kind"); kindName != "" {
		kind, ok := metadata.ParseKind(kindName)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("unknown kind %q", kindName)))
			return
		}
		qb.Kind(kind)
	}
	for _, p := range []struct {
		name string
		set  func(int) *query.QueryBuilder
	}{{"limit", qb.Limit}, {"offset", qb.Offset}} {
		raw := params.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("invalid %s %q", p.name, raw)))
			return
		}
		p.set(n)
	}
	if order := params.Get("order"); order != "" {
		qb.OrderBy(order, params.Get("desc") == "true")
	}

	res, err := s.engine.Execute(qb.Build())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   res.Items,
		"total":   res.Total,
		"hasMore": res.HasMore,
	})
}

// Helper functions

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// routeOf returns the matched route pattern, or the raw path before routing
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func (s *Server) writeChanged(w http.ResponseWriter, r *http.Request, changed []string, err error) {
	if changed == nil {
		changed = []string{}
	}
	if err != nil {
		status := s.logFailure(r, err)
		body := errorBody(err.Error())
		body["changed"] = changed
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := s.logFailure(r, err)
	writeJSON(w, status, errorBody(err.Error()))
}

// logFailure logs a store error against its route and returns its status.
// Rejected input logs at debug; anything unexpected logs at error.
func (s *Server) logFailure(r *http.Request, err error) int {
	status := statusFor(err)
	log := s.log.HTTPLogger(routeOf(r))
	event := log.Debug("request rejected")
	if status >= http.StatusInternalServerError {
		event = log.Error("request failed")
	}
	event.Err(err).Int("status", status).Send()
	return status
}

// statusFor maps store errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, metadata.ErrInvalidInput), errors.Is(err, metadata.ErrInvalidDimensionID):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrAmbiguousSegment), errors.Is(err, metadata.ErrTypeMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
