// Package quota enforces per-organization daily caps, bounds concurrently
// active runs, and turns repeated run failures into durable alerts.
//
// Every operation is a single read-modify-write transaction on the
// organization's quota document, so concurrent run starts cannot lose updates.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// Claim describes a successful quota claim.
type Claim struct {
	WindowKey string
	Limits    models.QuotaLimits
	RunsUsed  int
	LeadsUsed int
}

// Outcome is the terminal result of one run.
type Outcome struct {
	OrgID  string
	RunID  string
	Failed bool
	Reason string
}

// Guard implements quota, concurrency and alerting operations.
type Guard struct {
	store    store.Store
	defaults models.QuotaLimits
	alerts   config.AlertPolicy
	logger   *slog.Logger
}

func New(st store.Store, defaults models.QuotaLimits, alerts config.AlertPolicy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if alerts.FailureStreakThreshold <= 0 {
		alerts.FailureStreakThreshold = 3
	}
	return &Guard{store: st, defaults: defaults, alerts: alerts, logger: logger}
}

func stateKey(orgID string) string {
	return store.Key("quota", orgID)
}

func alertKey(orgID, alertID string) string {
	return store.Key("alerts", orgID, "items", alertID)
}

// WindowKey names the UTC day containing t.
func WindowKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// AlertID is the deterministic id of the failure-streak alert raised by a run.
func AlertID(runID string) string {
	return "failure-streak-" + runID
}

func (g *Guard) limitsFor(st models.OrgQuotaState) models.QuotaLimits {
	lim := g.defaults
	if o := st.Limits; o != nil {
		if o.MaxRunsPerDay > 0 {
			lim.MaxRunsPerDay = o.MaxRunsPerDay
		}
		if o.MaxLeadsPerDay > 0 {
			lim.MaxLeadsPerDay = o.MaxLeadsPerDay
		}
		if o.MaxActiveRuns > 0 {
			lim.MaxActiveRuns = o.MaxActiveRuns
		}
	}
	return lim
}

// ClaimQuota charges one run and requestedLeads leads against today's window.
// A rejected claim leaves the counters untouched.
func (g *Guard) ClaimQuota(ctx context.Context, orgID string, requestedLeads int) (Claim, error) {
	if orgID == "" {
		return Claim{}, &models.ValidationError{Field: "org_id", Message: "required"}
	}
	if requestedLeads < 0 {
		return Claim{}, &models.ValidationError{Field: "requested_leads", Message: "must not be negative"}
	}

	var claim Claim
	err := store.UpdateJSON(ctx, g.store, stateKey(orgID), func(st *models.OrgQuotaState, _ bool, now time.Time) (store.Op, error) {
		st.OrgID = orgID
		if wk := WindowKey(now); st.WindowKey != wk {
			st.WindowKey = wk
			st.RunsUsed = 0
			st.LeadsUsed = 0
		}
		lim := g.limitsFor(*st)
		if lim.MaxRunsPerDay > 0 && st.RunsUsed+1 > lim.MaxRunsPerDay {
			return store.Skip, &models.RateLimitError{
				Limit:  "runs_per_day",
				Reason: fmt.Sprintf("%d of %d runs used today", st.RunsUsed, lim.MaxRunsPerDay),
			}
		}
		if lim.MaxLeadsPerDay > 0 && st.LeadsUsed+requestedLeads > lim.MaxLeadsPerDay {
			return store.Skip, &models.RateLimitError{
				Limit:  "leads_per_day",
				Reason: fmt.Sprintf("%d requested, %d of %d leads used today", requestedLeads, st.LeadsUsed, lim.MaxLeadsPerDay),
			}
		}
		st.RunsUsed++
		st.LeadsUsed += requestedLeads
		st.UpdatedAt = now
		claim = Claim{WindowKey: st.WindowKey, Limits: lim, RunsUsed: st.RunsUsed, LeadsUsed: st.LeadsUsed}
		return store.Save, nil
	})
	if err != nil {
		g.countReject(err)
		return Claim{}, err
	}
	return claim, nil
}

// AcquireSlot marks runID active. Re-acquiring a held slot succeeds without change.
func (g *Guard) AcquireSlot(ctx context.Context, orgID, runID string) error {
	err := store.UpdateJSON(ctx, g.store, stateKey(orgID), func(st *models.OrgQuotaState, _ bool, now time.Time) (store.Op, error) {
		if slices.Contains(st.ActiveRunIDs, runID) {
			return store.Skip, nil
		}
		lim := g.limitsFor(*st)
		if lim.MaxActiveRuns > 0 && len(st.ActiveRunIDs) >= lim.MaxActiveRuns {
			return store.Skip, &models.RateLimitError{
				Limit:  "active_runs",
				Reason: fmt.Sprintf("%d of %d runs already active", len(st.ActiveRunIDs), lim.MaxActiveRuns),
			}
		}
		st.OrgID = orgID
		st.ActiveRunIDs = append(st.ActiveRunIDs, runID)
		st.UpdatedAt = now
		return store.Save, nil
	})
	if err != nil {
		g.countReject(err)
	}
	return err
}

// ReleaseSlot removes runID from the active set; releasing twice is a no-op.
func (g *Guard) ReleaseSlot(ctx context.Context, orgID, runID string) error {
	return store.UpdateJSON(ctx, g.store, stateKey(orgID), func(st *models.OrgQuotaState, exists bool, now time.Time) (store.Op, error) {
		if !exists || !slices.Contains(st.ActiveRunIDs, runID) {
			return store.Skip, nil
		}
		st.ActiveRunIDs = slices.DeleteFunc(st.ActiveRunIDs, func(id string) bool { return id == runID })
		st.UpdatedAt = now
		return store.Save, nil
	})
}

// RecordOutcome updates the failure streak and raises at most one alert per run.
// It returns the alert when this call created it.
func (g *Guard) RecordOutcome(ctx context.Context, o Outcome) (*models.Alert, error) {
	var streak int
	var duplicate bool
	err := store.UpdateJSON(ctx, g.store, stateKey(o.OrgID), func(st *models.OrgQuotaState, _ bool, now time.Time) (store.Op, error) {
		duplicate = st.LastOutcomeRun == o.RunID
		if duplicate {
			streak = st.FailureStreak
			return store.Skip, nil
		}
		st.OrgID = o.OrgID
		st.LastOutcomeRun = o.RunID
		if o.Failed {
			st.FailureStreak++
			st.LastFailure = o.Reason
		} else {
			st.FailureStreak = 0
		}
		st.UpdatedAt = now
		streak = st.FailureStreak
		return store.Save, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}
	if !o.Failed || streak < g.alerts.FailureStreakThreshold {
		return nil, nil
	}

	var created *models.Alert
	err = store.UpdateJSON(ctx, g.store, alertKey(o.OrgID, AlertID(o.RunID)), func(a *models.Alert, exists bool, now time.Time) (store.Op, error) {
		created = nil
		if exists {
			return store.Skip, nil
		}
		*a = models.Alert{
			ID:        AlertID(o.RunID),
			OrgID:     o.OrgID,
			RunID:     o.RunID,
			Severity:  models.SeverityWarning,
			Message:   fmt.Sprintf("%d consecutive lead runs failed (last: %s)", streak, o.Reason),
			Streak:    streak,
			CreatedAt: now,
		}
		cp := *a
		created = &cp
		return store.Save, nil
	})
	if err != nil {
		return nil, fmt.Errorf("raise alert: %w", err)
	}
	if created != nil {
		telemetry.AlertsRaised.Inc()
		g.logger.Warn("failure streak alert raised", "org_id", o.OrgID, "run_id", o.RunID, "streak", streak)
	}
	return created, nil
}

// EscalateOpenAlerts promotes unacknowledged alerts older than the escalation window.
// Each alert is escalated at most once.
func (g *Guard) EscalateOpenAlerts(ctx context.Context, orgID string) (int, error) {
	alerts, err := g.ListAlerts(ctx, orgID, 0)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, a := range alerts {
		if !a.Open() {
			continue
		}
		var did bool
		err := store.UpdateJSON(ctx, g.store, alertKey(orgID, a.ID), func(cur *models.Alert, exists bool, now time.Time) (store.Op, error) {
			did = false
			if !exists || !cur.Open() || now.Sub(cur.CreatedAt) < g.alerts.EscalationWindow {
				return store.Skip, nil
			}
			cur.EscalatedAt = now
			cur.Severity = models.SeverityCritical
			did = true
			return store.Save, nil
		})
		if err != nil {
			return escalated, fmt.Errorf("escalate alert %s: %w", a.ID, err)
		}
		if did {
			escalated++
			telemetry.AlertsEscalated.Inc()
			g.logger.Error("alert escalated", "org_id", orgID, "alert_id", a.ID, "run_id", a.RunID)
		}
	}
	return escalated, nil
}

// ListAlerts returns an organization's alerts.
func (g *Guard) ListAlerts(ctx context.Context, orgID string, limit int) ([]models.Alert, error) {
	return store.ListJSON[models.Alert](ctx, g.store, store.Key("alerts", orgID, "items"), limit)
}

// AcknowledgeAlert stamps an alert as seen; acknowledging twice keeps the first stamp.
func (g *Guard) AcknowledgeAlert(ctx context.Context, orgID, alertID, by string) (models.Alert, error) {
	var out models.Alert
	err := store.UpdateJSON(ctx, g.store, alertKey(orgID, alertID), func(a *models.Alert, exists bool, now time.Time) (store.Op, error) {
		if !exists {
			return store.Skip, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
		}
		out = *a
		if !a.AcknowledgedAt.IsZero() {
			return store.Skip, nil
		}
		a.AcknowledgedAt = now
		a.AcknowledgedBy = by
		out = *a
		return store.Save, nil
	})
	return out, err
}

// State returns the organization's quota row with effective limits filled in.
func (g *Guard) State(ctx context.Context, orgID string) (models.OrgQuotaState, error) {
	st, err := store.GetJSON[models.OrgQuotaState](ctx, g.store, stateKey(orgID))
	if err != nil && !store.IsNotFound(err) {
		return models.OrgQuotaState{}, err
	}
	now, err := g.store.Now(ctx)
	if err != nil {
		return models.OrgQuotaState{}, err
	}
	st.OrgID = orgID
	if st.WindowKey != WindowKey(now) {
		st.RunsUsed, st.LeadsUsed = 0, 0
	}
	lim := g.limitsFor(st)
	st.Limits = &lim
	return st, nil
}

// SetLimits stores per-organization overrides; zero fields fall back to defaults.
func (g *Guard) SetLimits(ctx context.Context, orgID string, limits models.QuotaLimits) error {
	return store.UpdateJSON(ctx, g.store, stateKey(orgID), func(st *models.OrgQuotaState, _ bool, now time.Time) (store.Op, error) {
		st.OrgID = orgID
		st.Limits = &limits
		st.UpdatedAt = now
		return store.Save, nil
	})
}

// Orgs lists organizations that have quota state.
func (g *Guard) Orgs(ctx context.Context) ([]string, error) {
	docs, err := g.store.List(ctx, "quota", 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, store.ID(d.Key))
	}
	return ids, nil
}

func (g *Guard) countReject(err error) {
	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		telemetry.QuotaRejects.WithLabelValues(rl.Limit).Inc()
	}
}
