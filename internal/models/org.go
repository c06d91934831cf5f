package models

import "time"

// QuotaLimits bounds what one organization may consume.
type QuotaLimits struct {
	MaxRunsPerDay  int `json:"max_runs_per_day"`
	MaxLeadsPerDay int `json:"max_leads_per_day"`
	MaxActiveRuns  int `json:"max_active_runs"`
}

// OrgQuotaState is the per-organization quota row for the current UTC day.
type OrgQuotaState struct {
	OrgID          string       `json:"org_id"`
	WindowKey      string       `json:"window_key"`
	RunsUsed       int          `json:"runs_used"`
	LeadsUsed      int          `json:"leads_used"`
	ActiveRunIDs   []string     `json:"active_run_ids"`
	FailureStreak  int          `json:"failure_streak"`
	LastFailure    string       `json:"last_failure,omitempty"`
	LastOutcomeRun string       `json:"last_outcome_run,omitempty"`
	Limits         *QuotaLimits `json:"limits,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is raised once per run when an organization's failure streak crosses the threshold.
type Alert struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	RunID          string    `json:"run_id"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Streak         int       `json:"streak"`
	CreatedAt      time.Time `json:"created_at"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	EscalatedAt    time.Time `json:"escalated_at"`
}

// Open reports whether the alert is neither acknowledged nor escalated.
func (a Alert) Open() bool {
	return a.AcknowledgedAt.IsZero() && a.EscalatedAt.IsZero()
}

// DNC entry types.
const (
	DncEmail  = "email"
	DncPhone  = "phone"
	DncDomain = "domain"
)

// DncEntry suppresses outbound contact for a normalized value in an organization.
type DncEntry struct {
	OrgID           string    `json:"org_id"`
	Type            string    `json:"type"`
	NormalizedValue string    `json:"normalized_value"`
	Reason          string    `json:"reason,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
