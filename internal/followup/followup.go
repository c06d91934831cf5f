// Package followup queues and later drafts delayed follow-up emails for leads
// that already received outreach. It runs independently of the lead run job.
package followup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"lead-run-orchestrator/internal/dnc"
	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/outreach"
	"lead-run-orchestrator/internal/profile"
	"lead-run-orchestrator/internal/receipts"
	"lead-run-orchestrator/internal/store"
)

const collection = "followups"

// Deps groups the collaborators of a Scheduler.
type Deps struct {
	Store    store.Store
	Jobs     *jobs.Manager
	Ledger   *idempotency.Ledger
	Receipts *receipts.Store
	DNC      *dnc.Guard
	Resolver outreach.Resolver
	Profiles *profile.Set
	Delay    time.Duration
	Lease    time.Duration
	Logger   *slog.Logger
}

// Scheduler owns follow-up tasks.
type Scheduler struct {
	store    store.Store
	jobs     *jobs.Manager
	ledger   *idempotency.Ledger
	receipts *receipts.Store
	dnc      *dnc.Guard
	resolver outreach.Resolver
	profiles *profile.Set
	delay    time.Duration
	lease    time.Duration
	logger   *slog.Logger
}

func New(d Deps) *Scheduler {
	if d.Delay <= 0 {
		d.Delay = 72 * time.Hour
	}
	if d.Lease <= 0 {
		d.Lease = 2 * time.Minute
	}
	if d.Profiles == nil {
		d.Profiles = profile.Default()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Scheduler{
		store:    d.Store,
		jobs:     d.Jobs,
		ledger:   d.Ledger,
		receipts: d.Receipts,
		dnc:      d.DNC,
		resolver: d.Resolver,
		profiles: d.Profiles,
		delay:    d.Delay,
		lease:    d.Lease,
		logger:   d.Logger,
	}
}

// TaskID is the deterministic id of the follow-up for (run, lead, sequence).
func TaskID(runID, leadID string, sequence int) string {
	sum := sha256.Sum256([]byte(runID + "|" + leadID + "|" + strconv.Itoa(sequence)))
	return hex.EncodeToString(sum[:])
}

func taskKey(id string) string {
	return store.Key(collection, id)
}

// ActionID is the receipt action a follow-up of the given sequence records under.
func ActionID(sequence int) string {
	if sequence <= 1 {
		return models.ActionFollowupDraft
	}
	return models.ActionFollowupDraft + "_" + strconv.Itoa(sequence)
}

// QueueResult counts what QueueForRun did with each lead.
type QueueResult struct {
	Created           int `json:"created"`
	Existing          int `json:"existing"`
	SkippedNoEmail    int `json:"skipped_no_email"`
	SkippedNoOutreach int `json:"skipped_no_outreach"`
}

// QueueForRun creates one follow-up task per lead that has an email and a
// sent, drafted or simulated outreach email. Re-queuing is a no-op per lead.
func (s *Scheduler) QueueForRun(ctx context.Context, runID, userID string, sequence int) (QueueResult, error) {
	var res QueueResult
	if sequence <= 0 {
		sequence = 1
	}
	run, err := s.jobs.GetRun(ctx, runID, userID)
	if err != nil {
		return res, err
	}
	profileKey := ""
	if job, err := s.jobs.Get(ctx, runID, userID); err == nil {
		profileKey = job.Config.BusinessProfile
	} else if !store.IsNotFound(err) {
		return res, err
	}
	leads, err := s.jobs.ListLeads(ctx, runID)
	if err != nil {
		return res, err
	}

	now, err := s.store.Now(ctx)
	if err != nil {
		return res, err
	}
	dueAt := now.Add(s.delay).UnixMilli()
	for _, lead := range leads {
		if lead.Email == "" {
			res.SkippedNoEmail++
			continue
		}
		outreachReceipt, err := s.receipts.Get(ctx, runID, lead.ID, models.ActionOutreachEmail)
		if store.IsNotFound(err) || (err == nil && !outreachReceipt.Succeeded()) {
			res.SkippedNoOutreach++
			continue
		}
		if err != nil {
			return res, err
		}

		id := TaskID(runID, lead.ID, sequence)
		created := false
		err = store.UpdateJSON(ctx, s.store, taskKey(id), func(cur *models.FollowupTask, exists bool, now time.Time) (store.Op, error) {
			created = false
			if exists {
				return store.Skip, nil
			}
			*cur = models.FollowupTask{
				ID:        id,
				RunID:     runID,
				LeadDocID: lead.ID,
				UserID:    run.UserID,
				OrgID:     run.OrgID,
				Sequence:  sequence,
				Status:    models.FollowupPending,
				DryRun:    outreachReceipt.DryRun,
				Profile:   profileKey,
				DueAtMs:   dueAt,
				CreatedAt: now,
				UpdatedAt: now,
			}
			created = true
			return store.Save, nil
		})
		if err != nil {
			return res, fmt.Errorf("queue follow-up for lead %s: %w", lead.ID, err)
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
	}
	s.logger.Info("follow-ups queued", "run_id", runID, "created", res.Created, "existing", res.Existing,
		"skipped_no_email", res.SkippedNoEmail, "skipped_no_outreach", res.SkippedNoOutreach)
	return res, nil
}

// Get returns one task.
func (s *Scheduler) Get(ctx context.Context, taskID string) (models.FollowupTask, error) {
	return store.GetJSON[models.FollowupTask](ctx, s.store, taskKey(taskID))
}

// ListForRun returns a run's tasks ordered by due time.
func (s *Scheduler) ListForRun(ctx context.Context, runID, userID string) ([]models.FollowupTask, error) {
	if _, err := s.jobs.GetRun(ctx, runID, userID); err != nil {
		return nil, err
	}
	all, err := store.ListJSON[models.FollowupTask](ctx, s.store, collection, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.FollowupTask, 0)
	for _, t := range all {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

// Retry puts a failed task back in line. Only failed tasks can be retried.
func (s *Scheduler) Retry(ctx context.Context, taskID, userID string) (models.FollowupTask, error) {
	var task models.FollowupTask
	err := store.UpdateJSON(ctx, s.store, taskKey(taskID), func(cur *models.FollowupTask, exists bool, now time.Time) (store.Op, error) {
		if !exists {
			return store.Skip, fmt.Errorf("follow-up %s: %w", taskID, models.ErrNotFound)
		}
		if cur.UserID != userID {
			return store.Skip, models.ErrForbidden
		}
		if cur.Status != models.FollowupFailed {
			return store.Skip, fmt.Errorf("follow-up %s is %s: %w", taskID, cur.Status, models.ErrConflict)
		}
		cur.Status = models.FollowupPending
		cur.DueAtMs = now.UnixMilli()
		cur.LeaseUntilMs = 0
		cur.LeaseOwner = ""
		cur.Reason = ""
		cur.UpdatedAt = now
		task = *cur
		return store.Save, nil
	})
	return task, err
}

func sortTasks(tasks []models.FollowupTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DueAtMs != tasks[j].DueAtMs {
			return tasks[i].DueAtMs < tasks[j].DueAtMs
		}
		return tasks[i].ID < tasks[j].ID
	})
}
