package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/dnc"
	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/outreach"
	"lead-run-orchestrator/internal/profile"
	"lead-run-orchestrator/internal/receipts"
)

// Pipeline performs the outreach actions for one lead.
type Pipeline struct {
	ledger   *idempotency.Ledger
	receipts *receipts.Store
	dnc      *dnc.Guard
	resolver outreach.Resolver
	profiles *profile.Set
	retry    config.RetryPolicy
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// PipelineDeps groups the collaborators of a Pipeline.
type PipelineDeps struct {
	Ledger   *idempotency.Ledger
	Receipts *receipts.Store
	DNC      *dnc.Guard
	Resolver outreach.Resolver
	Profiles *profile.Set
	Retry    config.RetryPolicy
	Now      func() time.Time
	// Sleep waits between calendar attempts; nil waits on a timer.
	Sleep  func(context.Context, time.Duration) error
	Logger *slog.Logger
}

func NewPipeline(d PipelineDeps) *Pipeline {
	if d.Profiles == nil {
		d.Profiles = profile.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Retry.CalendarAttempts <= 0 {
		d.Retry.CalendarAttempts = 3
	}
	if d.Retry.CalendarWindowDays <= 0 {
		d.Retry.CalendarWindowDays = 5
	}
	return &Pipeline{
		ledger:   d.Ledger,
		receipts: d.Receipts,
		dnc:      d.DNC,
		resolver: d.Resolver,
		profiles: d.Profiles,
		retry:    d.Retry,
		now:      d.Now,
		sleep:    d.Sleep,
		logger:   d.Logger,
	}
}

// leadRun carries the state of one lead through the pipeline.
type leadRun struct {
	p       *Pipeline
	job     models.LeadRunJob
	lead    models.Lead
	caps    outreach.Capabilities
	profile profile.Profile
	delta   models.Diagnostics
	logger  *slog.Logger

	folderLink string
	slot       time.Time
	eventLink  string
}

// Process runs every configured channel for lead and returns what happened.
// Provider failures are recorded as error receipts; a returned error means the
// lead itself must be retried.
func (p *Pipeline) Process(ctx context.Context, job models.LeadRunJob, lead models.Lead) (models.Diagnostics, error) {
	r := &leadRun{
		p:       p,
		job:     job,
		lead:    lead,
		profile: p.profiles.Get(job.Config.BusinessProfile),
		logger:  p.logger.With("run_id", job.RunID, "lead_id", lead.ID, "correlation_id", job.CorrelationID),
	}

	match, err := p.dnc.FindMatch(ctx, dnc.Query{OrgID: job.OrgID, Email: lead.Email, Phone: lead.Phone, Domain: lead.Website})
	if err != nil {
		return r.delta, fmt.Errorf("dnc check: %w", err)
	}
	if match != nil {
		return r.delta, r.suppress(ctx, *match)
	}

	if !job.Config.DryRun {
		caps, err := p.resolver.Resolve(ctx, job.UserID, job.OrgID)
		if err != nil {
			return r.delta, fmt.Errorf("resolve credentials: %w", err)
		}
		r.caps = caps
	}

	steps := []func(context.Context) error{
		r.driveFolder,
		r.calendarBooking,
		r.outreachEmail,
		r.sms,
		r.call,
		r.avatar,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return r.delta, err
		}
	}
	return r.delta, nil
}

// configuredActions lists every channel action the run would attempt.
func configuredActions(cfg models.RunConfig) []string {
	actions := []string{models.ActionDriveFolder, models.ActionCalendarBooking, models.ActionOutreachEmail}
	if cfg.EnableSMS {
		actions = append(actions, models.ActionSMS)
	}
	if cfg.EnableVoice {
		actions = append(actions, models.ActionCall)
	}
	if cfg.EnableAvatar {
		actions = append(actions, models.ActionAvatarVideo)
	}
	return actions
}

func (r *leadRun) suppress(ctx context.Context, match models.DncEntry) error {
	r.delta.DncSkipped++
	r.logger.Info("lead suppressed by dnc", "dnc_type", match.Type)
	for _, action := range configuredActions(r.job.Config) {
		err := r.record(ctx, action, models.ReceiptSkipped, false, "", map[string]any{
			"reason":    models.ReasonDNC,
			"dnc_type":  match.Type,
			"dnc_value": match.NormalizedValue,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *leadRun) idempotencyKey(action string) string {
	return fmt.Sprintf("lead-run:%s:%s:%s", r.job.RunID, r.lead.ID, action)
}

func (r *leadRun) scope(action string) idempotency.Scope {
	return idempotency.Scope{UserID: r.job.UserID, Route: action}
}

func (r *leadRun) record(ctx context.Context, action, status string, replayed bool, key string, data map[string]any) error {
	return r.p.receipts.Record(ctx, models.ActionReceipt{
		RunID:          r.job.RunID,
		LeadDocID:      r.lead.ID,
		ActionID:       action,
		Status:         status,
		DryRun:         r.job.Config.DryRun,
		Replayed:       replayed,
		IdempotencyKey: key,
		Data:           data,
	})
}

func (r *leadRun) skip(ctx context.Context, action, reason string) error {
	return r.record(ctx, action, models.ReceiptSkipped, false, "", map[string]any{"reason": reason})
}

func (r *leadRun) simulate(ctx context.Context, action string, data map[string]any) error {
	r.delta.Simulated++
	return r.record(ctx, action, models.ReceiptSimulated, false, r.idempotencyKey(action), data)
}

// fail records a caught provider error. It only returns receipt-store errors.
func (r *leadRun) fail(ctx context.Context, action string, cause error) error {
	r.delta.ChannelFailures++
	r.logger.Warn("channel failed", "action", action, "error", cause)
	return r.record(ctx, action, models.ReceiptError, false, r.idempotencyKey(action), map[string]any{"error": cause.Error()})
}

// perform runs a side effect through the idempotency ledger. A concurrent
// execution of the same effect surfaces as ErrInProgress, which fails the lead
// so it is retried and replays the winner's result.
func perform[T any](ctx context.Context, r *leadRun, action string, op func(context.Context) (T, error)) (idempotency.Result[T], bool, error) {
	res, err := idempotency.Do(ctx, r.p.ledger, r.scope(action), r.idempotencyKey(action), op)
	if err != nil {
		if idempotency.IsInProgress(err) {
			return res, false, err
		}
		return res, false, r.fail(ctx, action, err)
	}
	if res.Replayed {
		r.delta.Replays++
	}
	return res, true, nil
}

func (r *leadRun) render(kind string) (profile.Message, error) {
	return r.profile.Render(kind, profile.Data{
		Lead:       r.lead,
		Slot:       r.slot,
		EventLink:  r.eventLink,
		FolderLink: r.folderLink,
	})
}

func (r *leadRun) driveFolder(ctx context.Context) error {
	const action = models.ActionDriveFolder
	name := r.lead.CompanyName
	if name == "" {
		name = r.lead.ID
	}
	if r.job.Config.DryRun {
		r.folderLink = fmt.Sprintf("dry-run://drive/%s/%s", r.job.RunID, r.lead.ID)
		return r.simulate(ctx, action, map[string]any{"folder_link": r.folderLink, "name": name})
	}
	if r.caps.Drive == nil {
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}
	res, ok, err := perform(ctx, r, action, func(ctx context.Context) (outreach.Folder, error) {
		return r.caps.Drive.CreateFolder(ctx, outreach.FolderRequest{Name: name, Parent: "lead-runs/" + r.job.RunID})
	})
	if !ok {
		return err
	}
	if !res.Replayed {
		r.delta.FoldersCreated++
	}
	r.folderLink = res.Data.Link
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{
		"folder_id":   res.Data.ID,
		"folder_link": res.Data.Link,
	})
}

func (r *leadRun) outreachEmail(ctx context.Context) error {
	const action = models.ActionOutreachEmail
	if r.lead.Email == "" {
		r.delta.EmailsSkipped++
		return r.skip(ctx, action, models.ReasonMissingEmail)
	}
	mode := "send"
	if r.job.Config.DraftOnly {
		mode = "draft"
	}
	msg, err := r.render(profile.KindOutreach)
	if err != nil {
		return r.fail(ctx, action, err)
	}
	if r.job.Config.DryRun {
		return r.simulate(ctx, action, map[string]any{"mode": mode, "to": r.lead.Email, "subject": msg.Subject})
	}
	if r.caps.Mail == nil {
		r.delta.EmailsSkipped++
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}
	email := outreach.Email{To: r.lead.Email, Subject: msg.Subject, Body: msg.Body, IdempotencyKey: r.idempotencyKey(action)}
	res, ok, err := perform(ctx, r, action, func(ctx context.Context) (outreach.MailResult, error) {
		if mode == "draft" {
			return r.caps.Mail.CreateDraft(ctx, email)
		}
		return r.caps.Mail.SendEmail(ctx, email)
	})
	if !ok {
		return err
	}
	if !res.Replayed {
		if mode == "draft" {
			r.delta.EmailsDrafted++
		} else {
			r.delta.EmailsSent++
		}
	}
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{
		"mode":       mode,
		"to":         r.lead.Email,
		"subject":    msg.Subject,
		"message_id": res.Data.MessageID,
		"draft_id":   res.Data.DraftID,
		"thread_id":  res.Data.ThreadID,
	})
}

func (r *leadRun) sms(ctx context.Context) error {
	const action = models.ActionSMS
	if !r.job.Config.EnableSMS {
		return nil
	}
	if r.lead.Phone == "" {
		return r.skip(ctx, action, models.ReasonMissingPhone)
	}
	msg, err := r.render(profile.KindSMS)
	if err != nil {
		return r.fail(ctx, action, err)
	}
	if r.job.Config.DryRun {
		return r.simulate(ctx, action, map[string]any{"to": r.lead.Phone, "body": msg.Body})
	}
	if r.caps.SMS == nil {
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}
	res, ok, err := perform(ctx, r, action, func(ctx context.Context) (outreach.Delivery, error) {
		return r.caps.SMS.SendSMS(ctx, outreach.SMSMessage{To: r.lead.Phone, Body: msg.Body, IdempotencyKey: r.idempotencyKey(action)})
	})
	if !ok {
		return err
	}
	if !res.Replayed {
		r.delta.SmsSent++
	}
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{"sid": res.Data.ID, "to": r.lead.Phone})
}

type placedCall struct {
	CallID   string `json:"call_id"`
	AudioURL string `json:"audio_url"`
}

func (r *leadRun) call(ctx context.Context) error {
	const action = models.ActionCall
	if !r.job.Config.EnableVoice {
		return nil
	}
	if r.lead.Phone == "" {
		return r.skip(ctx, action, models.ReasonMissingPhone)
	}
	script, err := r.render(profile.KindCall)
	if err != nil {
		return r.fail(ctx, action, err)
	}
	if r.job.Config.DryRun {
		return r.simulate(ctx, action, map[string]any{"to": r.lead.Phone, "script": script.Body})
	}
	if r.caps.Voice == nil || r.caps.Speech == nil {
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}
	res, ok, err := perform(ctx, r, action, func(ctx context.Context) (placedCall, error) {
		audio, err := r.caps.Speech.Synthesize(ctx, outreach.SpeechRequest{Text: script.Body, Voice: r.profile.Voice})
		if err != nil {
			return placedCall{}, fmt.Errorf("synthesize speech: %w", err)
		}
		d, err := r.caps.Voice.PlaceCall(ctx, outreach.CallRequest{
			To:             r.lead.Phone,
			AudioURL:       audio.URL,
			Script:         script.Body,
			IdempotencyKey: r.idempotencyKey(action),
		})
		if err != nil {
			return placedCall{}, fmt.Errorf("place call: %w", err)
		}
		return placedCall{CallID: d.ID, AudioURL: audio.URL}, nil
	})
	if !ok {
		return err
	}
	if !res.Replayed {
		r.delta.CallsPlaced++
	}
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{
		"call_sid":  res.Data.CallID,
		"audio_url": res.Data.AudioURL,
		"to":        r.lead.Phone,
	})
}

func (r *leadRun) avatar(ctx context.Context) error {
	const action = models.ActionAvatarVideo
	if !r.job.Config.EnableAvatar {
		return nil
	}
	if r.lead.Email == "" {
		return r.skip(ctx, action, models.ReasonMissingEmail)
	}
	script, err := r.render(profile.KindAvatar)
	if err != nil {
		return r.fail(ctx, action, err)
	}
	if r.job.Config.DryRun {
		return r.simulate(ctx, action, map[string]any{"title": script.Subject})
	}
	if r.caps.Avatar == nil {
		return r.skip(ctx, action, models.ReasonMissingCredentials)
	}
	res, ok, err := perform(ctx, r, action, func(ctx context.Context) (outreach.Delivery, error) {
		return r.caps.Avatar.GenerateVideo(ctx, outreach.VideoRequest{Title: script.Subject, Script: script.Body, IdempotencyKey: r.idempotencyKey(action)})
	})
	if !ok {
		return err
	}
	if !res.Replayed {
		r.delta.AvatarVideos++
	}
	return r.record(ctx, action, models.ReceiptComplete, res.Replayed, r.idempotencyKey(action), map[string]any{
		"video_id":  res.Data.ID,
		"video_url": res.Data.URL,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
