// Package api exposes the HTTP interface for the collector service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/aggregator"
	"github.com/jipview/collector/internal/batch"
	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/config"
	"github.com/jipview/collector/internal/registry"
	"github.com/jipview/collector/internal/scheduler"
	"github.com/jipview/collector/internal/telemetry"
)

// Server wires HTTP handlers to the domain services.
type Server struct {
	router     chi.Router
	registry   *registry.Service
	scheduler  *scheduler.Service
	aggregator *aggregator.Service
	batches    *batch.Controller
	complexes  collect.ComplexStore
	runs       collect.RunStore
	tasks      collect.TaskStore
	data       collect.DataStore
	idGen      collect.IDGenerator
	clock      collect.Clock
	logger     *zap.Logger
	cfg        config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	reg *registry.Service,
	sched *scheduler.Service,
	agg *aggregator.Service,
	batches *batch.Controller,
	complexes collect.ComplexStore,
	runs collect.RunStore,
	tasks collect.TaskStore,
	data collect.DataStore,
	idGen collect.IDGenerator,
	clock collect.Clock,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	s := &Server{
		registry:   reg,
		scheduler:  sched,
		aggregator: agg,
		batches:    batches,
		complexes:  complexes,
		runs:       runs,
		tasks:      tasks,
		data:       data,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Post("/create-and-run", s.createAndRunJob)
			r.Post("/run-region", s.runRegionJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Put("/", s.updateJob)
				r.Patch("/pause", s.pauseJob)
				r.Patch("/resume", s.resumeJob)
				r.Patch("/disable", s.disableJob)
				r.Post("/run", s.runJob)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.runAdHoc)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/tasks", s.listRunTasks)
				r.Get("/status", s.runStatus)
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", s.listBatches)
			r.Route("/{sido_code}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Post("/run", s.runBatch)
				r.Patch("/schedule", s.updateBatchSchedule)
			})
		})
		r.Route("/data", func(r chi.Router) {
			r.Get("/prices", s.dataPrices)
			r.Get("/transactions", s.dataTransactions)
			r.Get("/listings", s.dataListings)
		})
		r.Route("/complexes", func(r chi.Router) {
			r.Get("/", s.listComplexes)
			r.Post("/", s.createComplex)
			r.Post("/batch-collect", s.batchCollect)
			r.Get("/last-runs", s.lastRuns)
			r.Get("/region-counts", s.regionCounts)
			r.Get("/runs/{run_id}/status", s.runStatus)
			r.Route("/{complex_id}", func(r chi.Router) {
				r.Get("/", s.getComplex)
				r.Put("/", s.updateComplex)
				r.Delete("/", s.deleteComplex)
				r.Post("/collect", s.collectComplex)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The registry store is the readiness probe surface for whichever
	// persistence provider is configured.
	if _, err := s.registry.List(r.Context(), collect.JobFilter{Limit: 1}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *collect.ValidationError
		noTargets  *collect.NoTargetsError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, collect.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &noTargets):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, collect.ErrRunFinalized):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
