// Package server provides the admin HTTP API for querycache.
//
// Endpoints:
//
//	GET  /health            liveness
//	GET  /status            server counters and cache statistics
//	GET  /cache/stats       cache statistics
//	POST /cache/clear       drop all entries and reset counters
//	POST /cache/invalidate  {"tables": [...]} drop entries reading those tables
//	POST /query             {"statement": "...", "params": [...]} run a statement
//	GET  /metrics           Prometheus exposition (when enabled)
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dbadmin/querycache/pkg/cache"
	"github.com/dbadmin/querycache/pkg/config"
	"github.com/dbadmin/querycache/pkg/executor"
)

// Errors for HTTP operations.
var (
	ErrServerClosed  = fmt.Errorf("server closed")
	ErrBadRequest    = fmt.Errorf("bad request")
	ErrInternalError = fmt.Errorf("internal server error")
)

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

type contextKey int

const (
	requestIDKey contextKey = iota
	routeKey
)

// matchedRoute is filled in by the router for the access log once a route
// matches; unmatched requests keep their raw path.
type matchedRoute struct {
	template string
}

// RequestIDFromContext returns the request ID assigned by the server, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer sets the registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithQueryTimeout bounds each statement run through /query.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Server) { s.queryTimeout = d }
}

// Server is the admin HTTP server.
type Server struct {
	config       config.ServerConfig
	executor     *executor.Executor
	cache        *cache.Engine
	logger       *zap.Logger
	gatherer     prometheus.Gatherer
	queryTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server that runs statements through exec.
func New(exec *executor.Executor, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor required")
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = config.DefaultConfig().Server.MaxRequestSize
	}

	s := &Server{
		config:   cfg,
		executor: exec,
		cache:    exec.Cache(),
		logger:   zap.NewNop(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := s.config.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	cacheRouter := router.PathPrefix("/cache").Subrouter()
	cacheRouter.HandleFunc("/stats", s.handleCacheStats).Methods(http.MethodGet)
	cacheRouter.HandleFunc("/clear", s.handleCacheClear).Methods(http.MethodPost)
	cacheRouter.HandleFunc("/invalidate", s.handleCacheInvalidate).Methods(http.MethodPost)

	router.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)

	if s.config.MetricsEnabled && s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	router.Use(s.routeMiddleware)

	// Wrapped outside the router so unmatched requests pass through too.
	return s.requestIDMiddleware(
		s.loggingMiddleware(
			s.recoveryMiddleware(
				s.metricsMiddleware(router))))
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		route := &matchedRoute{}

		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), routeKey, route)))

		// Skip health checks for noise reduction
		if r.URL.Path != "/health" {
			s.logRequest(r, route.template, wrapped.status, time.Since(start))
		}
	})
}

func (s *Server) routeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if holder, ok := r.Context().Value(routeKey).(*matchedRoute); ok {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					holder.template = tpl
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.logger.Error("panic serving request",
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.Any("panic", err),
					zap.ByteString("stack", buf[:n]))

				s.writeError(w, http.StatusInternalServerError, "internal server error", ErrInternalError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()

	response := map[string]interface{}{
		"status": "running",
		"server": map[string]interface{}{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
		"cache": s.cache.Stats(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared"})
}

type invalidateRequest struct {
	Tables []string `json:"tables"`
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Tables) == 0 {
		s.writeError(w, http.StatusBadRequest, "tables required", ErrBadRequest)
		return
	}

	removed := s.cache.InvalidateWrites(req.Tables...)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

type queryRequest struct {
	Statement string        `json:"statement"`
	Params    []interface{} `json:"params"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ctx := r.Context()
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}

	result, err := s.executor.Execute(ctx, req.Statement, normalizeParams(req.Params)...)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, result)
	case errors.Is(err, executor.ErrEmptyStatement):
		s.writeError(w, http.StatusBadRequest, "statement required", err)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "query timed out", err)
	default:
		s.writeError(w, http.StatusBadRequest, err.Error(), err)
	}
}

// normalizeParams turns JSON numbers into int64 where they are integral and
// float64 otherwise, so drivers bind them with their natural type.
func normalizeParams(params []interface{}) []interface{} {
	for i, p := range params {
		n, ok := p.(json.Number)
		if !ok {
			continue
		}
		if v, err := n.Int64(); err == nil {
			params[i] = v
		} else if v, err := n.Float64(); err == nil {
			params[i] = v
		} else {
			params[i] = n.String()
		}
	}
	return params
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// JSON helpers

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	// Limit body size
	dec := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)
	if err != nil && status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}

	response := map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	}

	s.writeJSON(w, status, response)
}

// Logging helpers

func (s *Server) logRequest(r *http.Request, template string, status int, duration time.Duration) {
	path := r.URL.Path
	if template != "" {
		path = template
	}

	s.logger.Info("http request",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote", r.RemoteAddr))
}
