package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of a lead run job.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IsTerminal reports whether a job status can no longer advance.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// RunConfig holds the immutable options a run was started with.
type RunConfig struct {
	DryRun          bool   `json:"dry_run"`
	DraftOnly       bool   `json:"draft_only"`
	Timezone        string `json:"timezone"`
	EnableSMS       bool   `json:"enable_sms"`
	EnableVoice     bool   `json:"enable_voice"`
	EnableAvatar    bool   `json:"enable_avatar"`
	BusinessProfile string `json:"business_profile"`
}

// Run is the owner record of a lead list.
type Run struct {
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	LeadCount int       `json:"lead_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lead is a scored lead candidate attached to a run.
type Lead struct {
	ID          string  `json:"id"`
	CompanyName string  `json:"company_name"`
	FounderName string  `json:"founder_name"`
	Email       string  `json:"email,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Website     string  `json:"website,omitempty"`
	Score       float64 `json:"score"`
}

// Diagnostics accumulates counters across a run. Values only ever grow.
type Diagnostics struct {
	ProcessedLeads     int `json:"processed_leads"`
	FailedLeads        int `json:"failed_leads"`
	LeadRetries        int `json:"lead_retries"`
	DncSkipped         int `json:"dnc_skipped"`
	FoldersCreated     int `json:"folders_created"`
	CalendarBooked     int `json:"calendar_booked"`
	CalendarRetries    int `json:"calendar_retries"`
	CalendarNoSlot     int `json:"calendar_no_slot"`
	EmailsSent         int `json:"emails_sent"`
	EmailsDrafted      int `json:"emails_drafted"`
	EmailsSkipped      int `json:"emails_skipped"`
	AvailabilityDrafts int `json:"availability_drafts"`
	SmsSent            int `json:"sms_sent"`
	CallsPlaced        int `json:"calls_placed"`
	AvatarVideos       int `json:"avatar_videos"`
	ChannelFailures    int `json:"channel_failures"`
	Replays            int `json:"replays"`
	Simulated          int `json:"simulated"`
}

// Add merges delta into d.
func (d *Diagnostics) Add(delta Diagnostics) {
	d.ProcessedLeads += delta.ProcessedLeads
	d.FailedLeads += delta.FailedLeads
	d.LeadRetries += delta.LeadRetries
	d.DncSkipped += delta.DncSkipped
	d.FoldersCreated += delta.FoldersCreated
	d.CalendarBooked += delta.CalendarBooked
	d.CalendarRetries += delta.CalendarRetries
	d.CalendarNoSlot += delta.CalendarNoSlot
	d.EmailsSent += delta.EmailsSent
	d.EmailsDrafted += delta.EmailsDrafted
	d.EmailsSkipped += delta.EmailsSkipped
	d.AvailabilityDrafts += delta.AvailabilityDrafts
	d.SmsSent += delta.SmsSent
	d.CallsPlaced += delta.CallsPlaced
	d.AvatarVideos += delta.AvatarVideos
	d.ChannelFailures += delta.ChannelFailures
	d.Replays += delta.Replays
	d.Simulated += delta.Simulated
}

// LeadRunJob is the durable cursor over one run's ordered lead list.
type LeadRunJob struct {
	RunID          string         `json:"run_id"`
	UserID         string         `json:"user_id"`
	OrgID          string         `json:"org_id"`
	Status         string         `json:"status"`
	Admitted       bool           `json:"admitted"`
	Config         RunConfig      `json:"config"`
	WorkerToken    string         `json:"worker_token,omitempty"`
	LeadDocIDs     []string       `json:"lead_doc_ids"`
	NextIndex      int            `json:"next_index"`
	TotalLeads     int            `json:"total_leads"`
	AttemptsByLead map[string]int `json:"attempts_by_lead,omitempty"`
	Diagnostics    Diagnostics    `json:"diagnostics"`
	LeaseUntil     time.Time      `json:"lease_until"`
	LeaseOwner     string         `json:"lease_owner,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CorrelationID  string         `json:"correlation_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Terminal reports whether the job reached completed or failed.
func (j LeadRunJob) Terminal() bool {
	return IsTerminal(j.Status)
}

// HoldsSlot reports whether the job is expected to occupy a concurrency slot.
func (j LeadRunJob) HoldsSlot() bool {
	return j.Status == StatusQueued || j.Status == StatusRunning
}

// LeaseActive reports whether a worker currently owns the job.
// A lease survives pause and resume until the worker finalizes or it expires.
func (j LeadRunJob) LeaseActive(now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseUntil.After(now)
}

// CurrentLead returns the lead id under the cursor, if any.
func (j LeadRunJob) CurrentLead() (string, bool) {
	if j.NextIndex < 0 || j.NextIndex >= len(j.LeadDocIDs) {
		return "", false
	}
	return j.LeadDocIDs[j.NextIndex], true
}
