// Package receipts stores the per-lead, per-action audit trail of a run.
package receipts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// Store upserts receipts under runs/{runId}/leads/{leadId}/receipts/{actionId}.
type Store struct {
	store store.Store
}

func New(st store.Store) *Store {
	return &Store{store: st}
}

// NormalizeActionID lower-cases and trims an action id.
func NormalizeActionID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func receiptKey(runID, leadDocID, actionID string) string {
	return store.Key("runs", runID, "leads", leadDocID, "receipts", NormalizeActionID(actionID))
}

// Record merges r into the stored receipt for (run, lead, action).
// Data maps are merged key by key while the status holds; a new status
// replaces Data outright. The first write's creation time is kept.
func (s *Store) Record(ctx context.Context, r models.ActionReceipt) error {
	if r.RunID == "" || r.LeadDocID == "" || NormalizeActionID(r.ActionID) == "" {
		return &models.ValidationError{Field: "receipt", Message: "run, lead and action are required"}
	}
	r.ActionID = NormalizeActionID(r.ActionID)

	err := store.UpdateJSON(ctx, s.store, receiptKey(r.RunID, r.LeadDocID, r.ActionID), func(cur *models.ActionReceipt, exists bool, now time.Time) (store.Op, error) {
		merged := r
		merged.Data = mergeData(nil, r.Data)
		merged.CreatedAt = now
		if exists {
			if cur.Status == r.Status {
				merged.Data = mergeData(cur.Data, r.Data)
			}
			if !cur.CreatedAt.IsZero() {
				merged.CreatedAt = cur.CreatedAt
			}
			if merged.IdempotencyKey == "" {
				merged.IdempotencyKey = cur.IdempotencyKey
			}
		}
		merged.UpdatedAt = now
		*cur = merged
		return store.Save, nil
	})
	if err != nil {
		return fmt.Errorf("record receipt %s for lead %s: %w", r.ActionID, r.LeadDocID, err)
	}
	telemetry.ChannelOutcomes.WithLabelValues(r.ActionID, r.Status).Inc()
	return nil
}

// Get returns one receipt.
func (s *Store) Get(ctx context.Context, runID, leadDocID, actionID string) (models.ActionReceipt, error) {
	return store.GetJSON[models.ActionReceipt](ctx, s.store, receiptKey(runID, leadDocID, actionID))
}

// ListForLead returns every receipt recorded for a lead, ordered by action id.
func (s *Store) ListForLead(ctx context.Context, runID, leadDocID string) ([]models.ActionReceipt, error) {
	return store.ListJSON[models.ActionReceipt](ctx, s.store, store.Key("runs", runID, "leads", leadDocID, "receipts"), 0)
}

func mergeData(base, update map[string]any) map[string]any {
	if len(base) == 0 && len(update) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
