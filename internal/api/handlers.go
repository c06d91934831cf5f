package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lead-run-orchestrator/internal/followup"
	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/models"
)

// WorkerTokenHeader carries the token a step dispatch was issued with.
const WorkerTokenHeader = "X-Worker-Token"

type leadPayload struct {
	ID          string  `json:"id" validate:"required,max=200"`
	CompanyName string  `json:"company_name" validate:"max=300"`
	FounderName string  `json:"founder_name" validate:"max=300"`
	Email       string  `json:"email" validate:"omitempty,email"`
	Phone       string  `json:"phone" validate:"omitempty,max=40"`
	Website     string  `json:"website" validate:"omitempty,max=500"`
	Score       float64 `json:"score"`
}

type importLeadsRequest struct {
	OrgID string        `json:"org_id" validate:"max=200"`
	Leads []leadPayload `json:"leads" validate:"required,min=1,max=5000,dive"`
}

type runConfigPayload struct {
	DryRun          bool   `json:"dry_run"`
	DraftOnly       bool   `json:"draft_only"`
	Timezone        string `json:"timezone" validate:"omitempty,timezone"`
	EnableSMS       bool   `json:"enable_sms"`
	EnableVoice     bool   `json:"enable_voice"`
	EnableAvatar    bool   `json:"enable_avatar"`
	BusinessProfile string `json:"business_profile" validate:"max=100"`
}

type jobActionRequest struct {
	Action string           `json:"action" validate:"required,oneof=start pause resume"`
	OrgID  string           `json:"org_id" validate:"max=200"`
	Config runConfigPayload `json:"config"`
}

type jobResponse struct {
	Job      models.LeadRunJob `json:"job"`
	Reused   bool              `json:"reused,omitempty"`
	Replayed bool              `json:"replayed,omitempty"`
}

// public drops the run's step secret; only dispatches carry it.
func (r jobResponse) public() jobResponse {
	r.Job.WorkerToken = ""
	return r
}

type queueFollowupsRequest struct {
	Sequence int `json:"sequence" validate:"gte=0,lte=10"`
}

type processFollowupsRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=500"`
}

type dncRequest struct {
	Type   string `json:"type" validate:"required,oneof=email phone domain"`
	Value  string `json:"value" validate:"required,max=320"`
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleImportLeads(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	var req importLeadsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	leads := make([]models.Lead, len(req.Leads))
	for i, l := range req.Leads {
		leads[i] = models.Lead(l)
	}
	orgID, err := orgFor(c, req.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.Jobs.ImportLeads(r.Context(), c.UserID, orgID, chi.URLParam(r, "runId"), leads)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if _, err := s.Jobs.GetRun(r.Context(), runID, caller(r).UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	leads, err := s.Jobs.ListLeads(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if _, err := s.Jobs.GetRun(r.Context(), runID, caller(r).UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.Receipts.ListForLead(r.Context(), runID, chi.URLParam(r, "leadId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "runId"), caller(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job}.public())
}

// handleJobAction starts, pauses or resumes a run's job. Starts honor an
// optional Idempotency-Key header through the ledger.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	runID := chi.URLParam(r, "runId")
	var req jobActionRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		resp jobResponse
		err  error
	)
	switch req.Action {
	case "start":
		if req.OrgID != "" {
			if err := authorizeOrg(c, req.OrgID); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		start := jobs.StartRequest{
			RunID:  runID,
			UserID: c.UserID,
			OrgID:  req.OrgID,
			Config: models.RunConfig(req.Config),
		}
		resp, err = s.start(r.Context(), r.Header.Get("Idempotency-Key"), start)
	case "pause":
		resp.Job, err = s.Jobs.Pause(r.Context(), runID, c.UserID)
	case "resume":
		resp.Job, err = s.Jobs.Resume(r.Context(), runID, c.UserID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.public())
}

func (s *Server) start(ctx context.Context, key string, req jobs.StartRequest) (jobResponse, error) {
	if key == "" || s.Ledger == nil {
		res, err := s.Jobs.Start(ctx, req)
		return jobResponse{Job: res.Job, Reused: res.Reused}, err
	}
	scope := idempotency.Scope{UserID: req.UserID, Route: "POST /v1/runs/" + req.RunID + "/job:start"}
	res, err := idempotency.Do(ctx, s.Ledger, scope, key, func(ctx context.Context) (jobs.StartResult, error) {
		return s.Jobs.Start(ctx, req)
	})
	if err != nil {
		return jobResponse{}, err
	}
	return jobResponse{Job: res.Data.Job, Reused: res.Data.Reused, Replayed: res.Replayed}, nil
}

func (s *Server) handleQueueFollowups(w http.ResponseWriter, r *http.Request) {
	var req queueFollowupsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Followups.QueueForRun(r.Context(), chi.URLParam(r, "runId"), caller(r).UserID, req.Sequence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListFollowups(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Followups.ListForRun(r.Context(), chi.URLParam(r, "runId"), caller(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleProcessFollowups drains the caller's due follow-ups synchronously.
func (s *Server) handleProcessFollowups(w http.ResponseWriter, r *http.Request) {
	var req processFollowupsRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Followups.ProcessDue(r.Context(), followup.ProcessOptions{UserID: caller(r).UserID, Limit: req.Limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryFollowup(w http.ResponseWriter, r *http.Request) {
	task, err := s.Followups.Retry(r.Context(), chi.URLParam(r, "taskId"), caller(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// orgParam returns the {orgId} path parameter after checking the caller may manage it.
func (s *Server) orgParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := chi.URLParam(r, "orgId")
	if err := authorizeOrg(caller(r), orgID); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return orgID, true
}

func (s *Server) handleListDnc(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgParam(w, r)
	if !ok {
		return
	}
	entries, err := s.DNC.List(r.Context(), orgID, limitParam(r, 500))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAddDnc(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgParam(w, r)
	if !ok {
		return
	}
	var req dncRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.DNC.Add(r.Context(), models.DncEntry{
		OrgID:           orgID,
		Type:            req.Type,
		NormalizedValue: req.Value,
		Reason:          req.Reason,
		CreatedBy:       caller(r).UserID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveDnc(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgParam(w, r)
	if !ok {
		return
	}
	var req dncRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.DNC.Remove(r.Context(), orgID, req.Type, req.Value); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgParam(w, r)
	if !ok {
		return
	}
	alerts, err := s.Quota.ListAlerts(r.Context(), orgID, limitParam(r, 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgParam(w, r)
	if !ok {
		return
	}
	alert, err := s.Quota.AcknowledgeAlert(r.Context(), orgID, chi.URLParam(r, "alertId"), caller(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	orgID, ok := s.orgParam(w, r)
	if !ok {
		return
	}
	state, err := s.Quota.State(r.Context(), orgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"dispatches": []any{}})
		return
	}
	items, err := s.Queue.DLQPeek(r.Context(), int64(limitParam(r, 50)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c := caller(r)
	mine := items[:0]
	for _, d := range items {
		if _, err := s.Jobs.GetRun(r.Context(), d.RunID, c.UserID); err == nil {
			d.WorkerToken = ""
			mine = append(mine, d)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatches": mine})
}

// handleStep advances a run by one lead. It is authenticated by the worker
// token the dispatch carries rather than a user JWT. A stale token is
// reported as skipped.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(WorkerTokenHeader)
	if token == "" {
		s.writeError(w, r, &models.ValidationError{Field: WorkerTokenHeader, Message: "required"})
		return
	}
	report, err := s.Stepper.Step(r.Context(), chi.URLParam(r, "runId"), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > def {
		return def
	}
	return n
}
