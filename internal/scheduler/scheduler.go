// Package scheduler runs periodic maintenance: draining due follow-ups and
// escalating alerts that stayed unacknowledged past their window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"lead-run-orchestrator/internal/followup"
	"lead-run-orchestrator/internal/telemetry"
)

var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Followups drains due follow-up tasks.
type Followups interface {
	ProcessDue(ctx context.Context, opts followup.ProcessOptions) (followup.ProcessResult, error)
}

// Alerts escalates stale alerts per organization.
type Alerts interface {
	Orgs(ctx context.Context) ([]string, error)
	EscalateOpenAlerts(ctx context.Context, orgID string) (int, error)
}

// Config holds the scheduler's dependencies and cron specs.
type Config struct {
	Followups      Followups
	Alerts         Alerts
	FollowupSpec   string
	EscalationSpec string
	BatchSize      int
	Timeout        time.Duration // per execution; defaults to 2 minutes
	Logger         *slog.Logger
}

// Scheduler owns a cron runner. Overlapping executions of the same job are skipped.
type Scheduler struct {
	cron      *cronlib.Cron
	followups Followups
	alerts    Alerts
	batch     int
	timeout   time.Duration
	logger    *slog.Logger
	ctx       context.Context
}

// New validates the cron expressions and registers the maintenance jobs. An
// empty expression disables its job.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(parser),
			cronlib.WithChain(cronlib.Recover(cronlib.DiscardLogger), cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
		followups: cfg.Followups,
		alerts:    cfg.Alerts,
		batch:     cfg.BatchSize,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		ctx:       context.Background(),
	}
	if cfg.FollowupSpec != "" && cfg.Followups != nil {
		if _, err := s.cron.AddFunc(cfg.FollowupSpec, s.wrap("followups", func(ctx context.Context) error {
			_, err := s.DrainFollowups(ctx)
			return err
		})); err != nil {
			return nil, fmt.Errorf("followup cron %q: %w", cfg.FollowupSpec, err)
		}
	}
	if cfg.EscalationSpec != "" && cfg.Alerts != nil {
		if _, err := s.cron.AddFunc(cfg.EscalationSpec, s.wrap("escalation", func(ctx context.Context) error {
			_, err := s.EscalateAlerts(ctx)
			return err
		})); err != nil {
			return nil, fmt.Errorf("escalation cron %q: %w", cfg.EscalationSpec, err)
		}
	}
	return s, nil
}

// Start runs the registered jobs until Stop. Executions derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts the runner and waits for running executions.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) wrap(name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			telemetry.MaintenanceRuns.WithLabelValues(name, "error").Inc()
			s.logger.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		telemetry.MaintenanceRuns.WithLabelValues(name, "ok").Inc()
	}
}

// DrainFollowups processes due follow-ups for every user.
func (s *Scheduler) DrainFollowups(ctx context.Context) (followup.ProcessResult, error) {
	res, err := s.followups.ProcessDue(ctx, followup.ProcessOptions{Limit: s.batch})
	if err != nil {
		return res, err
	}
	if res.Claimed > 0 {
		s.logger.Info("follow-ups drained", "claimed", res.Claimed, "completed", res.Completed,
			"skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}

// EscalateAlerts escalates stale alerts in every organization. One failing
// organization does not stop the others; the first error is returned.
func (s *Scheduler) EscalateAlerts(ctx context.Context) (int, error) {
	orgs, err := s.alerts.Orgs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list orgs: %w", err)
	}
	var (
		total    int
		firstErr error
	)
	for _, org := range orgs {
		n, err := s.alerts.EscalateOpenAlerts(ctx, org)
		total += n
		if err != nil {
			s.logger.Warn("alert escalation failed", "org_id", org, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}

// NextRun returns the first activation of spec after t.
func NextRun(spec string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
