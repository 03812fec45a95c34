package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

// Overall health values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

const checkTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// OpsOptions configures an OpsServer.
type OpsOptions struct {
	Port       int
	Pool       *Pool
	DLQMetrics *DLQMetrics
	// DeadLetters, when set, serves GET /dead-letters. A full listing
	// (limit=0) also corrects the DLQMetrics waiting gauges.
	DeadLetters *DeadLetterReplayer
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Checks are probed by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
	// CORSAllowedOrigins lists origins allowed to read /stats from a browser.
	CORSAllowedOrigins []string
}

// HealthStatus is the /healthz document.
type HealthStatus struct {
	Overall      string            `json:"overall"`
	Broker       PoolHealth        `json:"broker"`
	Dependencies map[string]string `json:"dependencies"`
}

// StatsDocument is the /stats document.
type StatsDocument struct {
	Queues      map[string]QueueStatsSnapshot `json:"queues"`
	DeadLetters DLQMetricsSnapshot            `json:"dead_letters"`
}

// OpsServer exposes health, statistics and Prometheus metrics over HTTP.
type OpsServer struct {
	opts   OpsOptions
	logger loggingpkg.ServiceLogger
	router chi.Router
}

// NewOpsServer builds the router. Call Serve to listen.
func NewOpsServer(opts OpsOptions, logger loggingpkg.ServiceLogger) (*OpsServer, error) {
	if opts.Pool == nil {
		return nil, errspkg.ErrPoolRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &OpsServer{opts: opts, logger: loggingpkg.Component(logger, "ops")}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Options("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	if opts.DeadLetters != nil {
		r.Get("/dead-letters", s.handleDeadLetters)
	}
	s.router = r
	return s, nil
}

func (s *OpsServer) Handler() http.Handler { return s.router }

// Serve listens on the configured port until ctx ends.
func (s *OpsServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Health probes every dependency and combines the results with the pool state.
func (s *OpsServer) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Broker:       s.opts.Pool.Health(),
		Dependencies: make(map[string]string, len(s.opts.Checks)),
	}
	failed := false
	for name, check := range s.opts.Checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failed = true
			status.Dependencies[name] = "error: " + err.Error()
			continue
		}
		status.Dependencies[name] = "ok"
	}

	switch {
	case !status.Broker.Healthy:
		status.Overall = HealthUnhealthy
	case failed:
		status.Overall = HealthDegraded
	default:
		status.Overall = HealthHealthy
	}
	return status
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.Health(r.Context())
	code := http.StatusOK
	if status.Overall == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *OpsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	doc := StatsDocument{Queues: s.opts.Pool.Stats()}
	if s.opts.DLQMetrics != nil {
		doc.DeadLetters = s.opts.DLQMetrics.GetSnapshot()
	}
	if doc.Queues == nil {
		doc.Queues = map[string]QueueStatsSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, doc)
}

const defaultDeadLetterLimit = 20

func (s *OpsServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	letters, err := s.opts.DeadLetters.Peek(r.Context(), limit)
	if err != nil {
		s.logger.Error("Dead letter listing failed", err, loggingpkg.LogFields{"limit": limit})
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if letters == nil {
		letters = []DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, letters)
}

func (s *OpsServer) allowedOrigin(requestOrigin string) string {
	if requestOrigin == "" {
		return ""
	}
	for _, allowed := range s.opts.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *OpsServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.logger.Error("Failed to encode response", err, nil)
	}
}
