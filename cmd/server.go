package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/config"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/orchestrator"
	"github.com/sells-group/price-scraper/internal/scheduling"
	"github.com/sells-group/price-scraper/internal/store"
)

// Runner is the orchestrator surface the HTTP handlers drive.
type Runner interface {
	RunBatch(ctx context.Context, opts orchestrator.BatchOptions) (*model.ScrapeSession, error)
	Submit(ctx context.Context, job model.ScrapeJob) <-chan orchestrator.JobOutcome
}

// JobCreator creates manual jobs and reactivates vendors.
type JobCreator interface {
	CreateJob(ctx context.Context, vendorID string, req scheduling.JobRequest) (*model.ScrapeJob, error)
	ReactivateVendor(ctx context.Context, id string) error
}

// JobLister lists recent jobs.
type JobLister interface {
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapeJob, error)
}

// BudgetReporter reports the ledger state.
type BudgetReporter interface {
	Snapshot() budget.Snapshot
}

// server holds the HTTP handler dependencies. base outlives individual
// requests so batches and manual jobs are not cut short by a client
// disconnecting.
type server struct {
	base    context.Context
	runner  Runner
	jobs    JobCreator
	lister  JobLister
	budget  BudgetReporter
	secret  string
	batchOn atomic.Bool

	// backends reports executor circuit breaker states; nil omits them.
	backends func() map[string]string
	// queued lists jobs waiting in the in-process queue in dequeue order.
	queued func() []model.ScrapeJob
}

// scrapeRequest is the optional body of POST /vendors/{id}/scrape.
type scrapeRequest struct {
	Methods  []string `json:"methods"`
	MaxCost  float64  `json:"max_cost"`
	Priority string   `json:"priority"`
}

// buildRouter wires the trigger and status endpoints.
func buildRouter(s *server, sc config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(sc.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: sc.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Get("/cron/scrape", s.handleCron)
		r.Post("/cron/scrape", s.handleCron)
		r.Get("/budget/status", s.handleBudget)
		r.Get("/jobs", s.handleJobs)
		r.Get("/queue", s.handleQueue)
		r.Post("/vendors/{id}/scrape", s.handleScrape)
		r.Post("/vendors/{id}/reactivate", s.handleReactivate)
	})
	return r
}

// requireSecret checks the bearer token in constant time. No configured
// secret disables the check.
func (s *server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			got := []byte(r.Header.Get("Authorization"))
			want := []byte("Bearer " + s.secret)
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.backends != nil {
		resp["backends"] = s.backends()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCron(w http.ResponseWriter, r *http.Request) {
	if !s.batchOn.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a batch is already running")
		return
	}
	defer s.batchOn.Store(false)

	sess, err := s.runner.RunBatch(s.base, orchestrator.BatchOptions{
		Source:   model.SourceScheduled,
		Endpoint: r.URL.Path,
	})
	if err != nil {
		zap.L().Error("cron batch could not start", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "batch could not start")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleBudget(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.budget.Snapshot())
}

func (s *server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	jobs := []model.ScrapeJob{}
	if s.queued != nil {
		if q := s.queued(); q != nil {
			jobs = q
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": len(jobs), "jobs": jobs})
}

func (s *server) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.JobFilter{
		Status:   model.JobStatus(q.Get("status")),
		VendorID: q.Get("vendor"),
		Limit:    50,
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		filter.Limit = l
	}
	if since := q.Get("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a duration such as 24h")
			return
		}
		filter.Since = time.Now().Add(-d)
	}

	jobs, err := s.lister.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.ScrapeJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *server) handleScrape(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "id")

	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	methods, err := model.ParseMethods(req.Methods)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority := model.PriorityHigh
	if req.Priority != "" {
		if priority, err = model.ParsePriority(req.Priority); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.MaxCost < 0 {
		writeError(w, http.StatusBadRequest, "max_cost must be non-negative")
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), vendorID, scheduling.JobRequest{
		Source:         model.SourceAPI,
		Priority:       priority,
		AllowedMethods: methods,
		MaxCost:        req.MaxCost,
	})
	if err != nil {
		if errors.Is(err, store.ErrVendorNotFound) {
			writeError(w, http.StatusNotFound, "vendor not found")
			return
		}
		zap.L().Error("create manual job", zap.String("vendor_id", vendorID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	select {
	case out := <-s.runner.Submit(s.base, *job):
		writeJSON(w, http.StatusOK, outcomeResponse(out))
	case <-r.Context().Done():
		zap.L().Info("client left before job finished", zap.String("job_id", job.ID))
	}
}

func (s *server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "id")
	if err := s.jobs.ReactivateVendor(r.Context(), vendorID); err != nil {
		if errors.Is(err, store.ErrVendorNotFound) {
			writeError(w, http.StatusNotFound, "vendor not found")
			return
		}
		zap.L().Error("reactivate vendor", zap.String("vendor_id", vendorID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not reactivate vendor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reactivated", "vendor_id": vendorID})
}

// outcomeResponse is the JSON shape of a finished job.
func outcomeResponse(out orchestrator.JobOutcome) map[string]any {
	resp := map[string]any{
		"job":         out.Job,
		"results":     out.Results,
		"deactivated": out.Deactivated,
	}
	if len(out.Anomalies) > 0 {
		resp["anomalies"] = out.Anomalies
	}
	if msg := out.ErrorMessage(); msg != "" {
		resp["error"] = msg
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
