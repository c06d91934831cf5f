package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"lead-run-orchestrator/internal/auth"
	"lead-run-orchestrator/internal/dnc"
	"lead-run-orchestrator/internal/followup"
	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/queue"
	"lead-run-orchestrator/internal/quota"
	"lead-run-orchestrator/internal/ratelimit"
	"lead-run-orchestrator/internal/receipts"
	"lead-run-orchestrator/internal/telemetry"
	"lead-run-orchestrator/internal/worker"
)

// Deps are the components the control plane fronts.
type Deps struct {
	Jobs      *jobs.Manager
	Receipts  *receipts.Store
	DNC       *dnc.Guard
	Quota     *quota.Guard
	Followups *followup.Scheduler
	Ledger    *idempotency.Ledger
	Stepper   *worker.Stepper
	Queue     *queue.RedisQueue
	Verifier  *auth.Verifier
	Limiter   *ratelimit.TokenBucket
	Logger    *slog.Logger
}

// Server wires HTTP handlers for the control plane.
type Server struct {
	Deps
	validate *validator.Validate
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{Deps: d, validate: validator.New()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/internal/runs/{runId}/step", s.handleStep)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.Verifier))
		if s.Limiter != nil {
			r.Use(ratelimit.Middleware(s.Limiter, func(r *http.Request) string {
				c, _ := auth.FromContext(r.Context())
				return c.UserID
			}, s.Logger))
		}

		r.Route("/runs/{runId}", func(r chi.Router) {
			r.Post("/leads", s.handleImportLeads)
			r.Get("/leads", s.handleListLeads)
			r.Get("/leads/{leadId}/receipts", s.handleListReceipts)
			r.Post("/job", s.handleJobAction)
			r.Get("/job", s.handleGetJob)
			r.Post("/followups", s.handleQueueFollowups)
			r.Get("/followups", s.handleListFollowups)
		})
		r.Post("/followups/process", s.handleProcessFollowups)
		r.Post("/followups/{taskId}/retry", s.handleRetryFollowup)

		r.Route("/orgs/{orgId}", func(r chi.Router) {
			r.Get("/dnc", s.handleListDnc)
			r.Post("/dnc", s.handleAddDnc)
			r.Delete("/dnc", s.handleRemoveDnc)
			r.Get("/alerts", s.handleListAlerts)
			r.Post("/alerts/{alertId}/ack", s.handleAckAlert)
			r.Get("/quota", s.handleGetQuota)
		})
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// caller returns the authenticated caller. Routes under /v1 always have one.
func caller(r *http.Request) auth.Caller {
	c, _ := auth.FromContext(r.Context())
	return c
}

// orgFor picks the organization a request acts on. An explicit org must be
// one the caller may manage. Callers without an org claim act on their
// personal org, keyed by their user id.
func orgFor(c auth.Caller, requested string) (string, error) {
	if requested != "" {
		if err := authorizeOrg(c, requested); err != nil {
			return "", err
		}
		return requested, nil
	}
	if c.OrgID != "" {
		return c.OrgID, nil
	}
	return c.UserID, nil
}

// authorizeOrg allows a caller to manage their own organization only.
func authorizeOrg(c auth.Caller, orgID string) error {
	if orgID == c.OrgID || orgID == c.UserID {
		return nil
	}
	return fmt.Errorf("org %s: %w", orgID, models.ErrForbidden)
}

// decode reads a JSON body into dst and validates its tags. An empty body is
// treated as an empty object.
func (s *Server) decode(r *http.Request, dst any) error {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return &models.ValidationError{Message: "invalid json: " + err.Error()}
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &models.ValidationError{Field: verrs[0].Namespace(), Message: "failed " + verrs[0].Tag()}
		}
		return &models.ValidationError{Message: err.Error()}
	}
	return nil
}

func httpStatus(err error) int {
	var fatal *models.JobFatalError
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &fatal):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
		msg = "internal error"
	}
	body := map[string]any{"error": msg}
	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		body["limit"] = rl.Limit
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
