package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lead-run-orchestrator/internal/dnc"
	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/outreach"
	"lead-run-orchestrator/internal/profile"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// ProcessOptions narrows a drain.
type ProcessOptions struct {
	UserID string
	Limit  int
}

// ProcessResult counts the tasks a drain touched.
type ProcessResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// outcome is the terminal state a claimed task ends in.
type outcome struct {
	status string
	reason string
	err    error
}

// ProcessDue claims due tasks and drafts their follow-up emails.
func (s *Scheduler) ProcessDue(ctx context.Context, opts ProcessOptions) (ProcessResult, error) {
	var res ProcessResult
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	all, err := store.ListJSON[models.FollowupTask](ctx, s.store, collection, 0)
	if err != nil {
		return res, fmt.Errorf("scan follow-ups: %w", err)
	}
	now, err := s.store.Now(ctx)
	if err != nil {
		return res, err
	}
	nowMs := now.UnixMilli()
	due := make([]models.FollowupTask, 0)
	for _, t := range all {
		if t.Claimable(nowMs) && (opts.UserID == "" || t.UserID == opts.UserID) {
			due = append(due, t)
		}
	}
	sortTasks(due)

	for _, candidate := range due {
		if res.Claimed >= opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		task, owner, ok, err := s.claim(ctx, candidate.ID)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		res.Claimed++

		out := s.execute(ctx, task)
		if err := s.complete(ctx, task.ID, owner, out); err != nil {
			s.logger.Warn("follow-up claim lost", "task_id", task.ID, "error", err)
			continue
		}
		telemetry.FollowupsProcessed.WithLabelValues(out.status).Inc()
		switch out.status {
		case models.FollowupCompleted:
			res.Completed++
		case models.FollowupSkipped:
			res.Skipped++
		default:
			res.Failed++
			s.logger.Warn("follow-up failed", "task_id", task.ID, "run_id", task.RunID, "lead_id", task.LeadDocID, "error", out.err)
		}
	}
	return res, nil
}

// claim leases a task to a fresh owner. An expired lease can be re-claimed.
func (s *Scheduler) claim(ctx context.Context, id string) (models.FollowupTask, string, bool, error) {
	owner := uuid.NewString()
	var task models.FollowupTask
	var ok bool
	err := store.UpdateJSON(ctx, s.store, taskKey(id), func(cur *models.FollowupTask, exists bool, now time.Time) (store.Op, error) {
		ok = false
		if !exists || !cur.Claimable(now.UnixMilli()) {
			return store.Skip, nil
		}
		cur.Status = models.FollowupProcessing
		cur.LeaseUntilMs = now.Add(s.lease).UnixMilli()
		cur.Attempts++
		cur.LeaseOwner = owner
		cur.UpdatedAt = now
		task = *cur
		ok = true
		return store.Save, nil
	})
	if err != nil {
		return task, "", false, fmt.Errorf("claim follow-up %s: %w", id, err)
	}
	return task, owner, ok, nil
}

func (s *Scheduler) complete(ctx context.Context, id, owner string, out outcome) error {
	return store.UpdateJSON(ctx, s.store, taskKey(id), func(cur *models.FollowupTask, exists bool, now time.Time) (store.Op, error) {
		if !exists || cur.Status != models.FollowupProcessing || cur.LeaseOwner != owner {
			return store.Skip, models.ErrConflict
		}
		cur.Status = out.status
		cur.Reason = out.reason
		cur.LeaseUntilMs = 0
		cur.LeaseOwner = ""
		if out.err != nil {
			cur.LastError = out.err.Error()
		}
		cur.UpdatedAt = now
		return store.Save, nil
	})
}

func (s *Scheduler) execute(ctx context.Context, task models.FollowupTask) outcome {
	ctx, span := telemetry.Tracer("followup").Start(ctx, "followup.draft")
	defer span.End()

	action := ActionID(task.Sequence)
	key := "followup:" + task.ID
	lead, err := s.jobs.GetLead(ctx, task.RunID, task.LeadDocID)
	if store.IsNotFound(err) {
		return outcome{status: models.FollowupSkipped, reason: "lead_missing"}
	}
	if err != nil {
		return outcome{status: models.FollowupFailed, err: err}
	}

	record := func(status string, data map[string]any) error {
		data["task_id"] = task.ID
		data["sequence"] = task.Sequence
		return s.receipts.Record(ctx, models.ActionReceipt{
			RunID:          task.RunID,
			LeadDocID:      task.LeadDocID,
			ActionID:       action,
			Status:         status,
			DryRun:         task.DryRun,
			IdempotencyKey: key,
			Data:           data,
		})
	}
	skip := func(reason string, extra map[string]any) outcome {
		data := map[string]any{"reason": reason}
		for k, v := range extra {
			data[k] = v
		}
		if err := record(models.ReceiptSkipped, data); err != nil {
			return outcome{status: models.FollowupFailed, err: err}
		}
		return outcome{status: models.FollowupSkipped, reason: reason}
	}

	if lead.Email == "" {
		return skip(models.ReasonMissingEmail, nil)
	}
	match, err := s.dnc.FindMatch(ctx, dnc.Query{OrgID: task.OrgID, Email: lead.Email, Phone: lead.Phone, Domain: lead.Website})
	if err != nil {
		return outcome{status: models.FollowupFailed, err: err}
	}
	if match != nil {
		return skip(models.ReasonDNC, map[string]any{"dnc_type": match.Type, "dnc_value": match.NormalizedValue})
	}

	msg, err := s.profiles.Get(task.Profile).Render(profile.KindFollowup, profile.Data{Lead: lead, Sequence: task.Sequence})
	if err != nil {
		return outcome{status: models.FollowupFailed, err: err}
	}
	if task.DryRun {
		if err := record(models.ReceiptSimulated, map[string]any{"to": lead.Email, "subject": msg.Subject}); err != nil {
			return outcome{status: models.FollowupFailed, err: err}
		}
		return outcome{status: models.FollowupCompleted}
	}

	caps, err := s.resolver.Resolve(ctx, task.UserID, task.OrgID)
	if err != nil {
		return outcome{status: models.FollowupFailed, err: err}
	}
	if caps.Mail == nil {
		return outcome{status: models.FollowupFailed, reason: models.ReasonMissingCredentials,
			err: fmt.Errorf("mail credentials unavailable for user %s", task.UserID)}
	}
	draft, err := idempotency.Do(ctx, s.ledger, idempotency.Scope{UserID: task.UserID, Route: action}, key,
		func(ctx context.Context) (outreach.MailResult, error) {
			return caps.Mail.CreateDraft(ctx, outreach.Email{To: lead.Email, Subject: msg.Subject, Body: msg.Body, IdempotencyKey: key})
		})
	if err != nil {
		span.RecordError(err)
		if rerr := record(models.ReceiptError, map[string]any{"error": err.Error()}); rerr != nil {
			s.logger.Warn("record follow-up error receipt", "task_id", task.ID, "error", rerr)
		}
		return outcome{status: models.FollowupFailed, err: err}
	}
	if err := s.receipts.Record(ctx, models.ActionReceipt{
		RunID:          task.RunID,
		LeadDocID:      task.LeadDocID,
		ActionID:       action,
		Status:         models.ReceiptComplete,
		Replayed:       draft.Replayed,
		IdempotencyKey: key,
		Data: map[string]any{
			"task_id":  task.ID,
			"sequence": task.Sequence,
			"draft_id": draft.Data.DraftID,
			"to":       lead.Email,
		},
	}); err != nil {
		return outcome{status: models.FollowupFailed, err: err}
	}
	return outcome{status: models.FollowupCompleted}
}
