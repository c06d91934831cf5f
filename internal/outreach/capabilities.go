// Package outreach declares the provider capabilities a lead step may call and
// ships the concrete clients used in production: an HTTP gateway for calendar,
// mail, telephony and avatar providers, and S3 or local-disk folder provisioning.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AvailabilityRequest struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Timezone    string    `json:"timezone"`
	DurationMin int       `json:"duration_min"`
}

type EventRequest struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Timezone       string    `json:"timezone"`
	Attendees      []string  `json:"attendees"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type Event struct {
	ID    string    `json:"id"`
	Link  string    `json:"link"`
	Start time.Time `json:"start"`
}

type Email struct {
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type MailResult struct {
	MessageID string `json:"message_id,omitempty"`
	DraftID   string `json:"draft_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

type FolderRequest struct {
	Name   string `json:"name"`
	Parent string `json:"parent"`
}

type Folder struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

type SMSMessage struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type CallRequest struct {
	To             string `json:"to"`
	AudioURL       string `json:"audio_url"`
	Script         string `json:"script"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SpeechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type Audio struct {
	URL string `json:"url"`
}

type VideoRequest struct {
	Title          string `json:"title"`
	Script         string `json:"script"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Delivery is the provider reference for an SMS, call or video.
type Delivery struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type Calendar interface {
	CheckAvailability(ctx context.Context, req AvailabilityRequest) ([]Slot, error)
	CreateEvent(ctx context.Context, req EventRequest) (Event, error)
}

type Mail interface {
	SendEmail(ctx context.Context, msg Email) (MailResult, error)
	CreateDraft(ctx context.Context, msg Email) (MailResult, error)
}

type Drive interface {
	CreateFolder(ctx context.Context, req FolderRequest) (Folder, error)
}

type SMS interface {
	SendSMS(ctx context.Context, msg SMSMessage) (Delivery, error)
}

type Voice interface {
	PlaceCall(ctx context.Context, req CallRequest) (Delivery, error)
}

type Speech interface {
	Synthesize(ctx context.Context, req SpeechRequest) (Audio, error)
}

type Avatar interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (Delivery, error)
}

// Capabilities is the set of providers available to one caller.
// A nil member means that provider's credentials could not be resolved.
type Capabilities struct {
	Calendar Calendar
	Mail     Mail
	Drive    Drive
	SMS      SMS
	Voice    Voice
	Speech   Speech
	Avatar   Avatar
}

// Resolver produces the capabilities a user's run may use.
type Resolver interface {
	Resolve(ctx context.Context, userID, orgID string) (Capabilities, error)
}

// Static resolves every caller to the same capabilities.
type Static Capabilities

func (s Static) Resolve(context.Context, string, string) (Capabilities, error) {
	return Capabilities(s), nil
}

// WithDrive wraps r so callers without a connected drive fall back to d.
func WithDrive(r Resolver, d Drive) Resolver {
	return driveFallback{next: r, drive: d}
}

type driveFallback struct {
	next  Resolver
	drive Drive
}

func (f driveFallback) Resolve(ctx context.Context, userID, orgID string) (Capabilities, error) {
	caps, err := f.next.Resolve(ctx, userID, orgID)
	if err != nil {
		return caps, err
	}
	if caps.Drive == nil {
		caps.Drive = f.drive
	}
	return caps, nil
}

// ErrNoSlot is returned by availability checks that found nothing bookable.
var ErrNoSlot = errors.New("no available slot")

// ProviderError is a non-2xx answer from an upstream provider.
type ProviderError struct {
	Capability string
	Status     int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider status %d: %s", e.Capability, e.Status, e.Message)
}

// Retryable reports whether repeating the call may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
