package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/outreach"
	"lead-run-orchestrator/internal/profile"
)

type booking struct {
	EventID  string    `json:"event_id"`
	Link     string    `json:"link"`
	Start    time.Time `json:"start"`
	Attempts int       `json:"attempts"`
}

// errNoSlot carries the last availability failure after every window was tried.
type errNoSlot struct {
	attempts int
	last     error
}

func (e *errNoSlot) Error() string {
	return fmt.Sprintf("no slot after %d attempts: %v", e.attempts, e.last)
}

func (e *errNoSlot) Unwrap() error { return outreach.ErrNoSlot }

func (r *leadRun) location() *time.Location {
	if r.job.Config.Timezone != "" {
		if loc, err := time.LoadLocation(r.job.Config.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// window returns the search range for the given 1-based attempt. Each attempt
// looks at the next block of days, starting tomorrow in the run's timezone.
func (r *leadRun) window(attempt int) (time.Time, time.Time) {
	loc := r.location()
	now := r.p.now().In(loc)
	tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, loc)
	days := r.p.retry.CalendarWindowDays
	from := tomorrow.AddDate(0, 0, (attempt-1)*days)
	return from, from.AddDate(0, 0, days)
}

func (r *leadRun) meetingLength() time.Duration {
	if r.profile.MeetingMinutes > 0 {
		return time.Duration(r.profile.MeetingMinutes) * time.Minute
	}
	if r.p.retry.CalendarSlotMinutes > 0 {
		return time.Duration(r.p.retry.CalendarSlotMinutes) * time.Minute
	}
	return 30 * time.Minute
}

func (r *leadRun) calendarBooking(ctx context.Context) error {
	const action = models.ActionCalendarBooking
	if r.lead.Email == "" {
		return r.skip(ctx, action, models.ReasonMissingEmail)
	}
	if r.job.Config.DryRun {
		from, _ := r.window(1)
		r.slot = from.Add(10 * time.Hour)
		return r.simulate(ctx, action, map[string]any{"start": r.slot, "attendee": r.lead.Email})
	}
	if r.caps.Calendar == nil {
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}

	res, err := idempotency.Do(ctx, r.p.ledger, r.scope(action), r.idempotencyKey(action), r.book)
	var noSlot *errNoSlot
	switch {
	case idempotency.IsInProgress(err):
		return err
	case errors.As(err, &noSlot):
		r.delta.CalendarRetries += noSlot.attempts - 1
		r.delta.CalendarNoSlot++
		r.logger.Info("no calendar slot found", "attempts", noSlot.attempts, "error", noSlot.last)
		if err := r.record(ctx, action, models.ReceiptSkipped, false, "", map[string]any{
			"reason":     models.ReasonNoSlot,
			"attempts":   noSlot.attempts,
			"last_error": noSlot.last.Error(),
		}); err != nil {
			return err
		}
		return r.availabilityDraft(ctx)
	case err != nil:
		return r.fail(ctx, action, err)
	}

	if res.Replayed {
		r.delta.Replays++
	} else {
		r.delta.CalendarBooked++
		r.delta.CalendarRetries += res.Data.Attempts - 1
	}
	r.slot, r.eventLink = res.Data.Start, res.Data.Link
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{
		"event_id": res.Data.EventID,
		"link":     res.Data.Link,
		"start":    res.Data.Start,
		"attempts": res.Data.Attempts,
	})
}

// book searches successive windows for a free slot and books the first one.
func (r *leadRun) book(ctx context.Context) (booking, error) {
	msg, err := r.render(profile.KindMeeting)
	if err != nil {
		return booking{}, err
	}
	length := r.meetingLength()
	tz := r.location().String()
	var last error
	attempts := r.p.retry.CalendarAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := jobs.Backoff(r.p.retry.BackoffInitial, r.p.retry.BackoffMax, attempt-1)
			if err := r.p.sleep(ctx, wait); err != nil {
				return booking{}, err
			}
		}
		from, to := r.window(attempt)
		slots, err := r.caps.Calendar.CheckAvailability(ctx, outreach.AvailabilityRequest{
			From:        from,
			To:          to,
			Timezone:    tz,
			DurationMin: int(length / time.Minute),
		})
		if err == nil && len(slots) == 0 {
			err = outreach.ErrNoSlot
		}
		if err != nil {
			last = err
			continue
		}
		start := slots[0].Start
		ev, err := r.caps.Calendar.CreateEvent(ctx, outreach.EventRequest{
			Title:          msg.Subject,
			Description:    msg.Body,
			Start:          start,
			End:            start.Add(length),
			Timezone:       tz,
			Attendees:      []string{r.lead.Email},
			IdempotencyKey: r.idempotencyKey(models.ActionCalendarBooking),
		})
		if err != nil {
			last = err
			continue
		}
		return booking{EventID: ev.ID, Link: ev.Link, Start: start, Attempts: attempt}, nil
	}
	return booking{}, &errNoSlot{attempts: attempts, last: last}
}

// availabilityDraft asks the lead for times when no slot could be booked.
func (r *leadRun) availabilityDraft(ctx context.Context) error {
	const action = models.ActionAvailabilityDraft
	if r.caps.Mail == nil {
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}
	msg, err := r.render(profile.KindAvailability)
	if err != nil {
		return r.fail(ctx, action, err)
	}
	res, ok, err := perform(ctx, r, action, func(ctx context.Context) (outreach.MailResult, error) {
		return r.caps.Mail.CreateDraft(ctx, outreach.Email{
			To:             r.lead.Email,
			Subject:        msg.Subject,
			Body:           msg.Body,
			IdempotencyKey: r.idempotencyKey(action),
		})
	})
	if !ok {
		return err
	}
	if !res.Replayed {
		r.delta.AvailabilityDrafts++
	}
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{
		"draft_id": res.Data.DraftID,
		"to":       r.lead.Email,
	})
}
