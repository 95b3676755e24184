package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/osgrid/talon/internal/cache"
	"github.com/osgrid/talon/internal/config"
	"github.com/osgrid/talon/internal/db"
	"github.com/osgrid/talon/internal/queue"
	jobservice "github.com/osgrid/talon/internal/service/job_service"
	"github.com/osgrid/talon/internal/web/middleware"
	"github.com/osgrid/talon/model"
)

const requestTimeout = 10 * time.Second

type Server struct {
	router     chi.Router
	jobService *jobservice.JobService
	limiter    *middleware.Limiter
}

func NewServer(ctx context.Context, d *db.DB, c cache.Cache, q queue.Queue, tcfg *config.ThrottleConfig) (*Server, error) {
	js, err := jobservice.NewJobService(ctx, d, c, q)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:     chi.NewRouter(),
		jobService: js,
		limiter:    middleware.NewLimiter(tcfg.WINDOW_SECONDS, tcfg.LIMIT, tcfg.SWEEP_SECONDS),
	}

	s.routes()
	return s, nil
}

// Expose the router for main.go
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "talon-http")
}

func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(s.limiter.Limit)

	r.Post("/job", s.handleSubmitJob)
	r.Get("/job", s.handleListJobs)
	r.Get("/job/{id}", s.handleGetJob)
	r.Post("/job/{id}/cancel", s.handleCancelJob)
	r.Post("/job/{id}/pause", s.handlePauseJob)
	r.Post("/job/{id}/resume", s.handleResumeJob)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.jobService.SubmitJob(ctx, req)
	if err != nil {
		http.Error(w, "failed to submit job: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	job, err := s.jobService.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "failed to get job: "+err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	tenant := r.Header.Get(middleware.TenantHeader)
	if tenant == "" {
		tenant = r.URL.Query().Get("tenant")
	}
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := s.jobService.ListJobs(ctx, tenant, limit)
	if err != nil {
		http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, s.jobService.CancelJob)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, s.jobService.PauseJob)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) error) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sender := r.Header.Get("X-Talon-User")
	if sender == "" {
		sender = "api"
	}

	if err := fn(ctx, chi.URLParam(r, "id"), sender); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.jobService.ResumeJob(ctx, chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
