// Package jobs owns the lead run job: a durable cursor over a run's ordered
// leads that is started, paused and resumed by callers and advanced one lead at
// a time by workers holding a short lease.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/quota"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// Trigger asks for a worker step on a run after delay.
type Trigger interface {
	Trigger(ctx context.Context, runID, workerToken string, delay time.Duration) error
}

// Slots is the slice of the quota guard the job machinery depends on.
type Slots interface {
	ClaimQuota(ctx context.Context, orgID string, requestedLeads int) (quota.Claim, error)
	AcquireSlot(ctx context.Context, orgID, runID string) error
	ReleaseSlot(ctx context.Context, orgID, runID string) error
	RecordOutcome(ctx context.Context, o quota.Outcome) (*models.Alert, error)
}

// StartRequest asks for a job over a run's imported leads.
type StartRequest struct {
	RunID  string
	UserID string
	OrgID  string
	Config models.RunConfig
}

// StartResult reports the job and whether an existing one was reused.
type StartResult struct {
	Job    models.LeadRunJob
	Reused bool
}

// Manager implements the job state machine.
type Manager struct {
	store   store.Store
	slots   Slots
	trigger Trigger
	retry   config.RetryPolicy
	logger  *slog.Logger
	backoff func(attempt int) time.Duration
}

func NewManager(st store.Store, slots Slots, trigger Trigger, retry config.RetryPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.LeadMaxAttempts <= 0 {
		retry.LeadMaxAttempts = 3
	}
	if retry.JobLease <= 0 {
		retry.JobLease = 3 * time.Minute
	}
	m := &Manager{store: st, slots: slots, trigger: trigger, retry: retry, logger: logger}
	m.backoff = func(attempt int) time.Duration {
		return Backoff(retry.BackoffInitial, retry.BackoffMax, attempt)
	}
	return m
}

// Retry exposes the policy the manager was built with.
func (m *Manager) Retry() config.RetryPolicy { return m.retry }

// Get returns the job of a run after checking ownership.
func (m *Manager) Get(ctx context.Context, runID, userID string) (models.LeadRunJob, error) {
	job, err := store.GetJSON[models.LeadRunJob](ctx, m.store, jobKey(runID))
	if err != nil {
		return models.LeadRunJob{}, fmt.Errorf("job %s: %w", runID, err)
	}
	if job.UserID != userID {
		return models.LeadRunJob{}, fmt.Errorf("job %s: %w", runID, models.ErrForbidden)
	}
	return job, nil
}

// Start creates the run's job, or returns the existing non-terminal job unchanged.
//
// Admission runs reserve, claim quota, acquire slot, admit. A failed quota
// claim drops the reservation without touching the slot set. A failed slot
// acquisition also drops the reservation but leaves the claimed quota spent.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.RunID == "" {
		return StartResult{}, &models.ValidationError{Field: "run_id", Message: "required"}
	}
	if req.UserID == "" {
		return StartResult{}, fmt.Errorf("start: %w", models.ErrUnauthorized)
	}
	run, err := m.GetRun(ctx, req.RunID, req.UserID)
	if err != nil {
		return StartResult{}, err
	}
	// The org is fixed when leads are imported; a start cannot move the run.
	orgID := firstNonEmpty(run.OrgID, req.UserID)
	if req.OrgID != "" && req.OrgID != orgID {
		return StartResult{}, fmt.Errorf("run %s belongs to org %s: %w", req.RunID, orgID, models.ErrForbidden)
	}

	if existing, ok, err := m.reusable(ctx, req.RunID); err != nil {
		return StartResult{}, err
	} else if ok {
		return m.reuse(ctx, existing)
	}

	leads, err := m.ListLeads(ctx, req.RunID)
	if err != nil {
		return StartResult{}, err
	}
	if len(leads) == 0 {
		return StartResult{}, &models.ValidationError{Field: "leads", Message: "run has no leads attached"}
	}
	ids := make([]string, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}

	token := uuid.NewString()
	var job models.LeadRunJob
	var reused bool
	err = store.UpdateJSON(ctx, m.store, jobKey(req.RunID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		reused = false
		if exists && !cur.Terminal() && !m.abandoned(*cur, now) {
			job, reused = *cur, true
			return store.Skip, nil
		}
		*cur = models.LeadRunJob{
			RunID:         req.RunID,
			UserID:        req.UserID,
			OrgID:         orgID,
			Status:        models.StatusQueued,
			Config:        req.Config,
			WorkerToken:   token,
			LeadDocIDs:    ids,
			TotalLeads:    len(ids),
			CorrelationID: uuid.NewString(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		job = *cur
		return store.Save, nil
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("reserve job: %w", err)
	}
	if reused {
		return m.reuse(ctx, job)
	}

	if _, err := m.slots.ClaimQuota(ctx, orgID, len(ids)); err != nil {
		m.dropReservation(ctx, req.RunID, token)
		return StartResult{}, err
	}
	if err := m.slots.AcquireSlot(ctx, orgID, req.RunID); err != nil {
		m.dropReservation(ctx, req.RunID, token)
		m.logger.Warn("slot unavailable after quota claim; quota stays spent",
			"run_id", req.RunID, "org_id", orgID, "leads", len(ids), "error", err)
		return StartResult{}, err
	}

	err = store.UpdateJSON(ctx, m.store, jobKey(req.RunID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		if !exists || cur.WorkerToken != token {
			return store.Skip, fmt.Errorf("admit job %s: reservation lost: %w", req.RunID, models.ErrConflict)
		}
		cur.Admitted = true
		cur.UpdatedAt = now
		job = *cur
		return store.Save, nil
	})
	if err != nil {
		_ = m.slots.ReleaseSlot(context.WithoutCancel(ctx), orgID, req.RunID)
		return StartResult{}, err
	}

	telemetry.RunsStarted.Inc()
	m.logger.Info("lead run started", "run_id", job.RunID, "org_id", orgID, "leads", job.TotalLeads, "dry_run", job.Config.DryRun)
	if err := m.trigger.Trigger(ctx, job.RunID, job.WorkerToken, 0); err != nil {
		return StartResult{Job: job}, fmt.Errorf("trigger worker: %w", err)
	}
	return StartResult{Job: job}, nil
}

func (m *Manager) reusable(ctx context.Context, runID string) (models.LeadRunJob, bool, error) {
	job, err := store.GetJSON[models.LeadRunJob](ctx, m.store, jobKey(runID))
	if store.IsNotFound(err) {
		return models.LeadRunJob{}, false, nil
	}
	if err != nil {
		return models.LeadRunJob{}, false, fmt.Errorf("load job: %w", err)
	}
	if job.Terminal() {
		return models.LeadRunJob{}, false, nil
	}
	now, err := m.store.Now(ctx)
	if err != nil {
		return models.LeadRunJob{}, false, err
	}
	if m.abandoned(job, now) {
		return models.LeadRunJob{}, false, nil
	}
	return job, true, nil
}

// abandoned reports a reservation whose starter died before admitting it.
func (m *Manager) abandoned(job models.LeadRunJob, now time.Time) bool {
	return !job.Admitted && now.Sub(job.CreatedAt) > m.retry.JobLease
}

func (m *Manager) reuse(ctx context.Context, job models.LeadRunJob) (StartResult, error) {
	if !job.Admitted {
		return StartResult{}, fmt.Errorf("start %s: %w", job.RunID, models.ErrInProgress)
	}
	now, err := m.store.Now(ctx)
	if err != nil {
		return StartResult{}, err
	}
	if job.HoldsSlot() && !job.LeaseActive(now) {
		// An idle queued job may have lost its dispatch; a duplicate is absorbed by the lease.
		if err := m.trigger.Trigger(ctx, job.RunID, job.WorkerToken, 0); err != nil {
			m.logger.Warn("re-trigger reused job", "run_id", job.RunID, "error", err)
		}
	}
	return StartResult{Job: job, Reused: true}, nil
}

func (m *Manager) dropReservation(ctx context.Context, runID, token string) {
	ctx = context.WithoutCancel(ctx)
	err := store.UpdateJSON(ctx, m.store, jobKey(runID), func(cur *models.LeadRunJob, exists bool, _ time.Time) (store.Op, error) {
		if !exists || cur.WorkerToken != token || cur.Admitted {
			return store.Skip, nil
		}
		return store.Remove, nil
	})
	if err != nil {
		m.logger.Error("drop job reservation", "run_id", runID, "error", err)
	}
}

// Pause stops future steps and frees the run's concurrency slot. A step already
// in flight finishes its lead. Pausing a paused or terminal job changes nothing.
func (m *Manager) Pause(ctx context.Context, runID, userID string) (models.LeadRunJob, error) {
	var job models.LeadRunJob
	var release bool
	err := m.update(ctx, runID, userID, func(cur *models.LeadRunJob, now time.Time) (store.Op, error) {
		release = false
		job = *cur
		if !cur.Admitted {
			return store.Skip, fmt.Errorf("pause %s: %w", runID, models.ErrInProgress)
		}
		if cur.Terminal() || cur.Status == models.StatusPaused {
			return store.Skip, nil
		}
		release = cur.HoldsSlot()
		cur.Status = models.StatusPaused
		cur.UpdatedAt = now
		job = *cur
		return store.Save, nil
	})
	if err != nil {
		return models.LeadRunJob{}, err
	}
	if release {
		if err := m.slots.ReleaseSlot(ctx, job.OrgID, runID); err != nil {
			return job, fmt.Errorf("release slot: %w", err)
		}
		m.logger.Info("lead run paused", "run_id", runID, "next_index", job.NextIndex)
	}
	return job, nil
}

// Resume re-queues a paused job, or completes it when its cursor is already at
// the end. A queued or running job is nudged with a fresh trigger.
func (m *Manager) Resume(ctx context.Context, runID, userID string) (models.LeadRunJob, error) {
	var job models.LeadRunJob
	var prev string
	err := m.update(ctx, runID, userID, func(cur *models.LeadRunJob, now time.Time) (store.Op, error) {
		job = *cur
		prev = cur.Status
		if !cur.Admitted {
			return store.Skip, fmt.Errorf("resume %s: %w", runID, models.ErrInProgress)
		}
		if cur.Terminal() {
			return store.Skip, fmt.Errorf("resume %s: job is %s: %w", runID, cur.Status, models.ErrConflict)
		}
		if cur.Status != models.StatusPaused {
			return store.Skip, nil
		}
		if cur.NextIndex >= cur.TotalLeads {
			cur.Status = models.StatusCompleted
			cur.FinishedAt = now
		} else {
			cur.Status = models.StatusQueued
		}
		cur.UpdatedAt = now
		job = *cur
		return store.Save, nil
	})
	if err != nil {
		return models.LeadRunJob{}, err
	}

	switch {
	case job.Status == models.StatusCompleted:
		m.finish(ctx, job, false)
		return job, nil
	case prev == models.StatusPaused:
		if err := m.slots.AcquireSlot(ctx, job.OrgID, runID); err != nil {
			m.repause(ctx, runID)
			return models.LeadRunJob{}, err
		}
		m.logger.Info("lead run resumed", "run_id", runID, "next_index", job.NextIndex)
	}
	if job.HoldsSlot() {
		if err := m.trigger.Trigger(ctx, runID, job.WorkerToken, 0); err != nil {
			return job, fmt.Errorf("trigger worker: %w", err)
		}
	}
	return job, nil
}

func (m *Manager) repause(ctx context.Context, runID string) {
	err := store.UpdateJSON(context.WithoutCancel(ctx), m.store, jobKey(runID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		if !exists || cur.Status != models.StatusQueued {
			return store.Skip, nil
		}
		cur.Status = models.StatusPaused
		cur.UpdatedAt = now
		return store.Save, nil
	})
	if err != nil {
		m.logger.Error("restore paused status", "run_id", runID, "error", err)
	}
}

func (m *Manager) update(ctx context.Context, runID, userID string, fn func(cur *models.LeadRunJob, now time.Time) (store.Op, error)) error {
	return store.UpdateJSON(ctx, m.store, jobKey(runID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		if !exists {
			return store.Skip, fmt.Errorf("job %s: %w", runID, models.ErrNotFound)
		}
		if cur.UserID != userID {
			return store.Skip, fmt.Errorf("job %s: %w", runID, models.ErrForbidden)
		}
		return fn(cur, now)
	})
}

// finish records a terminal job's outcome and frees its slot.
func (m *Manager) finish(ctx context.Context, job models.LeadRunJob, holdsSlot bool) {
	ctx = context.WithoutCancel(ctx)
	failed, reason := Outcome(job)
	telemetry.RunsFinished.WithLabelValues(job.Status).Inc()
	if _, err := m.slots.RecordOutcome(ctx, quota.Outcome{OrgID: job.OrgID, RunID: job.RunID, Failed: failed, Reason: reason}); err != nil {
		m.logger.Error("record run outcome", "run_id", job.RunID, "error", err)
	}
	if holdsSlot {
		if err := m.slots.ReleaseSlot(ctx, job.OrgID, job.RunID); err != nil {
			m.logger.Error("release slot", "run_id", job.RunID, "error", err)
		}
	}
	m.logger.Info("lead run finished", "run_id", job.RunID, "status", job.Status,
		"processed", job.Diagnostics.ProcessedLeads, "failed_leads", job.Diagnostics.FailedLeads)
}

// Outcome classifies a terminal job for failure-streak accounting. A completed
// run fails only when every lead failed.
func Outcome(job models.LeadRunJob) (failed bool, reason string) {
	if job.Status == models.StatusFailed {
		return true, firstNonEmpty(job.LastError, "job_failed")
	}
	if job.TotalLeads > 0 && job.Diagnostics.ProcessedLeads == 0 {
		return true, "all_leads_failed"
	}
	return false, ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsSkip reports whether err is a lease refusal rather than a failure.
func IsSkip(err error) bool {
	var s *SkipError
	return errors.As(err, &s)
}
