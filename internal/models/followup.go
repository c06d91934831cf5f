package models

import "time"

// Follow-up task statuses.
const (
	FollowupPending    = "pending"
	FollowupProcessing = "processing"
	FollowupCompleted  = "completed"
	FollowupSkipped    = "skipped"
	FollowupFailed     = "failed"
)

// FollowupTask is a delayed, draft-only follow-up for one lead of a run.
type FollowupTask struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	LeadDocID    string    `json:"lead_doc_id"`
	UserID       string    `json:"user_id"`
	OrgID        string    `json:"org_id"`
	Sequence     int       `json:"sequence"`
	Status       string    `json:"status"`
	DryRun       bool      `json:"dry_run"`
	Profile      string    `json:"profile,omitempty"`
	DueAtMs      int64     `json:"due_at_ms"`
	LeaseUntilMs int64     `json:"lease_until_ms"`
	LeaseOwner   string    `json:"lease_owner,omitempty"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Claimable reports whether a scan at nowMs may lease the task.
// Failed tasks stay put until retried explicitly.
func (t FollowupTask) Claimable(nowMs int64) bool {
	if t.DueAtMs > nowMs {
		return false
	}
	switch t.Status {
	case FollowupPending:
		return true
	case FollowupProcessing:
		return t.LeaseUntilMs <= nowMs
	default:
		return false
	}
}
