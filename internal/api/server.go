package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"payroll-batch-processor/internal/gateway"
	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/models"
	"payroll-batch-processor/internal/stats"
	"payroll-batch-processor/internal/telemetry"
)

// Submitter is the payroll gateway.
type Submitter interface {
	Submit(ctx context.Context, req models.PayrollRunRequest) (gateway.SubmitResult, error)
	Status(ctx context.Context, jobID string) models.JobStatusRecord
}

// Reporter produces queue snapshots.
type Reporter interface {
	Stats(ctx context.Context) stats.Stats
}

// Limiter throttles submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) bool
}

// HealthCheck is a named dependency probe reported by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers for the payroll API.
type Server struct {
	gateway  Submitter
	reporter Reporter
	limiter  Limiter
	checks   []HealthCheck
	log      *zap.Logger
}

// New constructs the API server. limiter may be nil. The broker is not a health
// check: while it is down, runs execute synchronously.
func New(gw Submitter, reporter Reporter, limiter Limiter, log *zap.Logger, checks ...HealthCheck) *Server {
	return &Server{
		gateway:  gw,
		reporter: reporter,
		limiter:  limiter,
		checks:   checks,
		log:      logging.OrNop(log),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/payroll", func(r chi.Router) {
		r.Post("/runs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Get("/queue/stats", s.handleStats)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if len(s.checks) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code, status := http.StatusOK, "ok"
	results := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
			results[c.Name] = err.Error()
			code, status = http.StatusServiceUnavailable, "unavailable"
			continue
		}
		results[c.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.PayrollRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get("X-Tenant-ID")
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = r.Header.Get("X-User-ID")
	}
	if s.limiter != nil && req.TenantID != "" && !s.limiter.Allow(r.Context(), req.TenantID) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	res, err := s.gateway.Submit(r.Context(), req)
	if gateway.IsInvalid(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("submit payroll run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	code := http.StatusAccepted
	if res.Mode == models.ModeSync {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.gateway.Status(r.Context(), chi.URLParam(r, "id"))
	if rec.Status == models.StatusNotFound {
		writeJSON(w, http.StatusNotFound, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Stats(r.Context()))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
