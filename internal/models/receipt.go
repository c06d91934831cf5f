package models

import (
	"encoding/json"
	"time"
)

// Receipt statuses.
const (
	ReceiptComplete  = "complete"
	ReceiptSimulated = "simulated"
	ReceiptSkipped   = "skipped"
	ReceiptError     = "error"
)

// Normalized action ids used as receipt document ids.
const (
	ActionDriveFolder       = "drive.folder"
	ActionCalendarBooking   = "calendar.booking"
	ActionOutreachEmail     = "gmail.outreach"
	ActionAvailabilityDraft = "gmail.availability_draft"
	ActionFollowupDraft     = "gmail.followup"
	ActionSMS               = "twilio.sms"
	ActionCall              = "twilio.call"
	ActionAvatarVideo       = "heygen.video"
)

// Skip reasons recorded in receipt data.
const (
	ReasonDNC                = "dnc"
	ReasonMissingEmail       = "missing_email"
	ReasonMissingPhone       = "missing_phone"
	ReasonNoSlot             = "no_slot"
	ReasonMissingCredentials = "missing_credentials"
)

// ActionReceipt is the audit record of one action attempted for one lead.
type ActionReceipt struct {
	RunID          string         `json:"run_id"`
	LeadDocID      string         `json:"lead_doc_id"`
	ActionID       string         `json:"action_id"`
	Status         string         `json:"status"`
	DryRun         bool           `json:"dry_run"`
	Replayed       bool           `json:"replayed"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Succeeded reports whether the action completed or was simulated.
func (r ActionReceipt) Succeeded() bool {
	return r.Status == ReceiptComplete || r.Status == ReceiptSimulated
}

// Idempotency record states.
const (
	IdempotencyPending  = "pending"
	IdempotencyComplete = "complete"
)

// IdempotencyRecord stores the outcome of a side effect keyed by (user, route, key).
type IdempotencyRecord struct {
	UserID      string          `json:"user_id"`
	Route       string          `json:"route"`
	Key         string          `json:"key"`
	State       string          `json:"state"`
	Owner       string          `json:"owner,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
}
