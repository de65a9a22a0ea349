// Package api exposes a prediction client over HTTP so other processes can
// submit jobs, poll their status and collect results.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
	"github.com/mimir-aip/predict-client/pkg/scheduler"
)

// Predictor submits prediction jobs; *client.Client satisfies it
type Predictor interface {
	Submit(ctx context.Context, req models.PredictionRequest) (*job.Job, error)
	Endpoints() []models.Endpoint
}

// Server provides HTTP API endpoints
type Server struct {
	predictor Predictor
	jobs      *JobHandler
	schedules *ScheduleHandler
	logger    *zap.Logger
	port      string
	mux       *http.ServeMux
	http      *http.Server

	// ctx outlives individual requests; submitted jobs are bound to it
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server. schedules may be nil.
func NewServer(predictor Predictor, schedules *scheduler.Service, port string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		predictor: predictor,
		jobs:      NewJobHandler(ctx, predictor, logger),
		logger:    logger,
		port:      port,
		mux:       http.NewServeMux(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if schedules != nil {
		s.schedules = NewScheduleHandler(schedules)
	}

	s.registerRoutes()
	return s
}

// registerRoutes sets up the HTTP routes
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/endpoints", s.handleEndpoints)

	s.mux.HandleFunc("POST /api/jobs", s.jobs.handleSubmit)
	s.mux.HandleFunc("GET /api/jobs", s.jobs.handleList)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.jobs.handleGet)
	s.mux.HandleFunc("GET /api/jobs/{id}/result", s.jobs.handleResult)
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.jobs.handleCancel)

	if s.schedules != nil {
		s.mux.HandleFunc("GET /api/schedules", s.schedules.handleList)
		s.mux.HandleFunc("POST /api/schedules/{name}/run", s.schedules.handleRun)
	}
}

// Handler returns the server's routes wrapped in request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and abandons
// jobs that are still running
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.cancel()
	return err
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"active_jobs": s.jobs.activeCount(),
	})
}

// handleEndpoints lists the endpoints jobs can be submitted to
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.predictor.Endpoints())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
