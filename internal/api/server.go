// Package api exposes the event bus over HTTP: event ingestion, the query
// surface for events, recipes, runs and schedules, and health endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/recipebus/internal/engine"
	"github.com/gyaneshwarpardhi/recipebus/internal/metrics"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// OwnerHeader carries the id of the user every /v1 request acts for.
const OwnerHeader = "X-Owner-ID"

const (
	maxBatchSize    = 100
	readyQueueLimit = 0.8
)

// Server holds all HTTP handler dependencies.
type Server struct {
	eng    *engine.Engine
	store  store.Store
	log    *slog.Logger
	now    func() time.Time
	router chi.Router
}

// New creates the HTTP handler and registers all routes. A nil logger means
// slog.Default().
func New(eng *engine.Engine, st store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{eng: eng, store: st, log: log, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/events", s.ingestEvent)
		r.Post("/events/batch", s.ingestBatch)
		r.Get("/events", s.listEvents)
		r.Get("/events/{eventID}", s.getEvent)

		r.Route("/recipes", func(r chi.Router) {
			r.Get("/", s.listRecipes)
			r.Post("/", s.createRecipe)
			r.Route("/{recipeID}", func(r chi.Router) {
				r.Get("/", s.getRecipe)
				r.Put("/", s.updateRecipe)
				r.Delete("/", s.deleteRecipe)
				r.Post("/run", s.runRecipe)
				r.Get("/runs", s.listRecipeRuns)
			})
		})

		r.Get("/runs/{runID}", s.getRun)
		r.Post("/runs/{runID}/cancel", s.cancelRun)

		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Delete("/schedules/{scheduleID}", s.deleteSchedule)

		r.Get("/modules", s.listModules)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ownerKey struct{}

// requireOwner rejects requests without an owner header and stores the
// owner id in the request context.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// GET /healthz: always 200 (liveness probe).
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the store is unreachable or the async queue is >80% full.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	util := s.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "store_unavailable",
			"error":             err.Error(),
			"queue_utilization": util,
		})
		return
	}
	if util > readyQueueLimit {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

// GET /v1/modules: declared module surfaces.
func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"modules": s.eng.Registry().Descriptors(),
	})
}
