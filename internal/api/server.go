// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/cache"
	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/ingest"
	"github.com/threatcalc/threatcalc/internal/metrics"
	"github.com/threatcalc/threatcalc/internal/registry"
	"github.com/threatcalc/threatcalc/internal/resolver"
	"github.com/threatcalc/threatcalc/internal/scoring"
)

// cacheKeyPrefix namespaces every ranked-query cache entry so a recompute
// can invalidate them all at once.
const cacheKeyPrefix = "threatcalc:rank:"

// Server wires the engine's components behind the HTTP API.
type Server struct {
	engine   *scoring.Engine
	ledger   *evidence.Ledger
	reg      *registry.Registry
	resolver *resolver.Resolver
	pipeline *ingest.Pipeline
	cache    *cache.Cache
	metrics  *metrics.Metrics
	logger   *zap.Logger
	version  string

	// readiness holds named dependency probes for /ready.
	readiness map[string]func(context.Context) error
}

// NewServer creates the API server. cache may be nil when caching is
// disabled.
func NewServer(
	engine *scoring.Engine,
	ledger *evidence.Ledger,
	reg *registry.Registry,
	res *resolver.Resolver,
	pipeline *ingest.Pipeline,
	c *cache.Cache,
	m *metrics.Metrics,
	logger *zap.Logger,
	version string,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:    engine,
		ledger:    ledger,
		reg:       reg,
		resolver:  res,
		pipeline:  pipeline,
		cache:     c,
		metrics:   m,
		logger:    logger,
		version:   version,
		readiness: make(map[string]func(context.Context) error),
	}
}

// AddReadinessCheck registers a named dependency probe for /ready.
func (s *Server) AddReadinessCheck(name string, check func(context.Context) error) {
	s.readiness[name] = check
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/resolve", s.handleResolve)

		r.Post("/ingest", s.handleIngest)
		r.Post("/ingest/feed", s.handleIngestFeed)

		r.Post("/recompute", s.handleRecompute)

		r.Get("/industries", s.handleListIndustries)
		r.Get("/industries/{id}/actors", s.handleIndustryActors)

		r.Get("/actors", s.handleListActors)
		r.Get("/actors/{id}", s.handleGetActor)
		r.Get("/actors/{id}/techniques", s.handleActorTechniques)

		r.Get("/evidence", s.handleListEvidence)
	})

	return r
}

// instrument records request counts and latencies against the routed
// pattern, not the raw path, to keep label cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.RequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.readiness))
	for name, check := range s.readiness {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	body := map[string]interface{}{"status": "ready", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
