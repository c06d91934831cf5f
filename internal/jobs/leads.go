package jobs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
)

func runKey(runID string) string {
	return store.Key("runs", runID)
}

func leadKey(runID, leadID string) string {
	return store.Key("runs", runID, "leads", leadID)
}

func leadsCollection(runID string) string {
	return store.Key("runs", runID, "leads")
}

func jobKey(runID string) string {
	return store.Key("runs", runID, "job", "state")
}

// ImportLeads attaches scored lead candidates to a run, creating the run owned
// by userID when it does not exist yet. Leads with an existing id are replaced.
func (m *Manager) ImportLeads(ctx context.Context, userID, orgID, runID string, leads []models.Lead) (models.Run, error) {
	if runID == "" {
		return models.Run{}, &models.ValidationError{Field: "run_id", Message: "required"}
	}
	if userID == "" {
		return models.Run{}, fmt.Errorf("import leads: %w", models.ErrUnauthorized)
	}
	if len(leads) == 0 {
		return models.Run{}, &models.ValidationError{Field: "leads", Message: "at least one lead is required"}
	}
	seen := make(map[string]bool, len(leads))
	for i, l := range leads {
		id := strings.TrimSpace(l.ID)
		if id == "" {
			return models.Run{}, &models.ValidationError{Field: fmt.Sprintf("leads[%d].id", i), Message: "required"}
		}
		if seen[id] {
			return models.Run{}, &models.ValidationError{Field: fmt.Sprintf("leads[%d].id", i), Message: "duplicate id " + id}
		}
		seen[id] = true
		leads[i].ID = id
	}

	job, err := store.GetJSON[models.LeadRunJob](ctx, m.store, jobKey(runID))
	switch {
	case err == nil && !job.Terminal():
		return models.Run{}, fmt.Errorf("run %s has an active job: %w", runID, models.ErrConflict)
	case err != nil && !store.IsNotFound(err):
		return models.Run{}, fmt.Errorf("load job: %w", err)
	}

	var run models.Run
	err = store.UpdateJSON(ctx, m.store, runKey(runID), func(r *models.Run, exists bool, now time.Time) (store.Op, error) {
		if exists && r.UserID != userID {
			return store.Skip, fmt.Errorf("run %s: %w", runID, models.ErrForbidden)
		}
		if !exists {
			*r = models.Run{RunID: runID, UserID: userID, OrgID: orgID, CreatedAt: now}
		}
		if r.OrgID == "" {
			r.OrgID = orgID
		}
		r.UpdatedAt = now
		run = *r
		return store.Save, nil
	})
	if err != nil {
		return models.Run{}, err
	}

	for _, l := range leads {
		if err := store.PutJSON(ctx, m.store, leadKey(runID, l.ID), l); err != nil {
			return models.Run{}, fmt.Errorf("store lead %s: %w", l.ID, err)
		}
	}

	all, err := m.ListLeads(ctx, runID)
	if err != nil {
		return models.Run{}, err
	}
	err = store.UpdateJSON(ctx, m.store, runKey(runID), func(r *models.Run, _ bool, now time.Time) (store.Op, error) {
		r.LeadCount = len(all)
		r.UpdatedAt = now
		run = *r
		return store.Save, nil
	})
	if err != nil {
		return models.Run{}, err
	}
	m.logger.Info("leads imported", "run_id", runID, "imported", len(leads), "total", len(all))
	return run, nil
}

// ListLeads returns a run's leads ordered by descending score, then id.
func (m *Manager) ListLeads(ctx context.Context, runID string) ([]models.Lead, error) {
	leads, err := store.ListJSON[models.Lead](ctx, m.store, leadsCollection(runID), 0)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	slices.SortStableFunc(leads, func(a, b models.Lead) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return leads, nil
}

// GetLead loads one lead of a run.
func (m *Manager) GetLead(ctx context.Context, runID, leadID string) (models.Lead, error) {
	lead, err := store.GetJSON[models.Lead](ctx, m.store, leadKey(runID, leadID))
	if err != nil {
		return models.Lead{}, fmt.Errorf("lead %s: %w", leadID, err)
	}
	return lead, nil
}

// GetRun loads a run and checks ownership.
func (m *Manager) GetRun(ctx context.Context, runID, userID string) (models.Run, error) {
	run, err := store.GetJSON[models.Run](ctx, m.store, runKey(runID))
	if err != nil {
		return models.Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.UserID != userID {
		return models.Run{}, fmt.Errorf("run %s: %w", runID, models.ErrForbidden)
	}
	return run, nil
}
