package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// Lease refusal reasons.
const (
	SkipMissing     = "missing"
	SkipBadToken    = "bad_token"
	SkipTerminal    = "terminal"
	SkipPaused      = "paused"
	SkipNotAdmitted = "not_admitted"
	SkipLeased      = "leased"
	SkipCompleted   = "completed"
)

// SkipError means the step must not run. It is not a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "step skipped: " + e.Reason }

// Lease is a worker's exclusive claim on one lead of a job.
type Lease struct {
	Job    models.LeadRunJob
	Owner  string
	LeadID string
	Index  int
}

// StepResult is what a worker reports after processing the leased lead.
type StepResult struct {
	Delta models.Diagnostics
	Err   error
}

// FinalizeResult describes the job after a step.
type FinalizeResult struct {
	Job        models.LeadRunJob
	Advanced   bool
	LeadFailed bool
	RetryIn    time.Duration
}

// Acquire leases the job for one step. It returns a *SkipError when the job is
// missing, the token is stale, the job is terminal, paused or not yet admitted,
// another worker holds an unexpired lease, or the cursor already reached the end
// (in which case the job is completed and its slot released).
func (m *Manager) Acquire(ctx context.Context, runID, workerToken string) (Lease, error) {
	owner := uuid.NewString()
	var lease Lease
	var skip string
	var completed bool
	err := store.UpdateJSON(ctx, m.store, jobKey(runID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		skip, completed = "", false
		switch {
		case !exists:
			skip = SkipMissing
		case cur.WorkerToken != workerToken:
			skip = SkipBadToken
		case cur.Terminal():
			skip = SkipTerminal
		case cur.Status == models.StatusPaused:
			skip = SkipPaused
		case !cur.Admitted:
			skip = SkipNotAdmitted
		case cur.LeaseActive(now):
			skip = SkipLeased
		}
		if skip != "" {
			return store.Skip, nil
		}
		if cur.NextIndex >= cur.TotalLeads {
			cur.Status = models.StatusCompleted
			cur.LeaseOwner, cur.LeaseUntil = "", time.Time{}
			cur.FinishedAt = now
			cur.UpdatedAt = now
			lease.Job = *cur
			completed = true
			return store.Save, nil
		}
		cur.Status = models.StatusRunning
		cur.LeaseOwner = owner
		cur.LeaseUntil = now.Add(m.retry.JobLease)
		if cur.StartedAt.IsZero() {
			cur.StartedAt = now
		}
		cur.UpdatedAt = now
		leadID, _ := cur.CurrentLead()
		lease = Lease{Job: *cur, Owner: owner, LeadID: leadID, Index: cur.NextIndex}
		return store.Save, nil
	})
	if err != nil {
		return Lease{}, fmt.Errorf("lease job %s: %w", runID, err)
	}
	if completed {
		m.finish(ctx, lease.Job, true)
		skip = SkipCompleted
	}
	if skip != "" {
		telemetry.StepSkips.WithLabelValues(skip).Inc()
		m.logger.Debug("step skipped", "run_id", runID, "reason", skip)
		return Lease{}, &SkipError{Reason: skip}
	}
	if lease.LeadID == "" || len(lease.Job.LeadDocIDs) != lease.Job.TotalLeads {
		return lease, m.Fail(ctx, lease, &models.JobFatalError{Reason: "invalid_cursor"})
	}
	return lease, nil
}

// Finalize applies a step's outcome. It is a compare-and-set on the cursor: a
// lease that lost its claim (expired and re-leased elsewhere) gets ErrConflict
// and changes nothing.
//
// A successful lead advances the cursor. A failed lead is retried with backoff
// until the attempt budget is spent, then skipped and counted as failed. When
// the cursor reaches the end the job completes; otherwise the next step is
// triggered unless the job was paused meanwhile.
func (m *Manager) Finalize(ctx context.Context, lease Lease, res StepResult) (FinalizeResult, error) {
	var out FinalizeResult
	err := store.UpdateJSON(ctx, m.store, jobKey(lease.Job.RunID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		out = FinalizeResult{}
		if !exists || !holds(*cur, lease) {
			return store.Skip, fmt.Errorf("finalize %s: lease lost: %w", lease.Job.RunID, models.ErrConflict)
		}
		cur.Diagnostics.Add(res.Delta)
		if res.Err == nil {
			cur.NextIndex++
			delete(cur.AttemptsByLead, lease.LeadID)
			cur.Diagnostics.ProcessedLeads++
			out.Advanced = true
		} else {
			if cur.AttemptsByLead == nil {
				cur.AttemptsByLead = map[string]int{}
			}
			cur.AttemptsByLead[lease.LeadID]++
			attempts := cur.AttemptsByLead[lease.LeadID]
			cur.LastError = res.Err.Error()
			if attempts >= m.retry.LeadMaxAttempts {
				cur.NextIndex++
				delete(cur.AttemptsByLead, lease.LeadID)
				cur.Diagnostics.FailedLeads++
				out.Advanced, out.LeadFailed = true, true
			} else {
				cur.Diagnostics.LeadRetries++
				out.RetryIn = m.backoff(attempts)
			}
		}
		cur.LeaseOwner, cur.LeaseUntil = "", time.Time{}
		if cur.Status != models.StatusPaused {
			cur.Status = models.StatusRunning
			if cur.NextIndex >= cur.TotalLeads {
				cur.Status = models.StatusCompleted
				cur.FinishedAt = now
			}
		}
		cur.UpdatedAt = now
		out.Job = *cur
		return store.Save, nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	switch {
	case out.LeadFailed:
		telemetry.LeadsProcessed.WithLabelValues("failed").Inc()
		m.logger.Warn("lead failed permanently", "run_id", lease.Job.RunID, "lead_id", lease.LeadID, "error", res.Err)
	case out.Advanced:
		telemetry.LeadsProcessed.WithLabelValues("processed").Inc()
	default:
		telemetry.LeadsProcessed.WithLabelValues("retried").Inc()
		m.logger.Info("lead will be retried", "run_id", lease.Job.RunID, "lead_id", lease.LeadID,
			"attempt", out.Job.AttemptsByLead[lease.LeadID], "retry_in", out.RetryIn, "error", res.Err)
	}

	if out.Job.Status == models.StatusCompleted {
		m.finish(ctx, out.Job, true)
		return out, nil
	}
	if out.Job.Status == models.StatusRunning {
		if err := m.trigger.Trigger(ctx, out.Job.RunID, out.Job.WorkerToken, out.RetryIn); err != nil {
			return out, fmt.Errorf("trigger next step: %w", err)
		}
	}
	return out, nil
}

// Fail terminates the job. It is used for job-level errors such as a missing
// lead document or a corrupt cursor.
func (m *Manager) Fail(ctx context.Context, lease Lease, cause error) error {
	var job models.LeadRunJob
	var held bool
	err := store.UpdateJSON(ctx, m.store, jobKey(lease.Job.RunID), func(cur *models.LeadRunJob, exists bool, now time.Time) (store.Op, error) {
		if !exists || !holds(*cur, lease) {
			return store.Skip, fmt.Errorf("fail %s: lease lost: %w", lease.Job.RunID, models.ErrConflict)
		}
		held = cur.HoldsSlot()
		cur.Status = models.StatusFailed
		cur.LastError = reasonOf(cause)
		cur.LeaseOwner, cur.LeaseUntil = "", time.Time{}
		cur.FinishedAt = now
		cur.UpdatedAt = now
		job = *cur
		return store.Save, nil
	})
	if err != nil {
		return err
	}
	m.logger.Error("lead run failed", "run_id", job.RunID, "next_index", job.NextIndex, "error", cause)
	m.finish(ctx, job, held)
	return cause
}

func holds(cur models.LeadRunJob, lease Lease) bool {
	return cur.WorkerToken == lease.Job.WorkerToken &&
		cur.LeaseOwner == lease.Owner &&
		cur.NextIndex == lease.Index &&
		!cur.Terminal()
}

func reasonOf(err error) string {
	var fatal *models.JobFatalError
	if errors.As(err, &fatal) {
		return fatal.Reason
	}
	if err == nil {
		return "job_failed"
	}
	return err.Error()
}
