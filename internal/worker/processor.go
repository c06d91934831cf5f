package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/queue"
	"lead-run-orchestrator/internal/telemetry"
)

// Runner executes one dispatched step.
type Runner interface {
	Step(ctx context.Context, runID, workerToken string) (StepReport, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	runner   Runner
	workerID string
	now      func() time.Time
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, runner Runner, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, runner, "", logger)
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, runner Runner, workerID string, logger *slog.Logger) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.DispatchAttempts <= 0 {
		cfg.DispatchAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		workerID: workerID,
		now:      time.Now,
		logger:   logger.With("worker_id", workerID),
	}
}

// Run starts the maintenance loop and WorkerConcurrency consumers and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	return g.Wait()
}

// maintain promotes due retries and reclaims dispatches whose worker died.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one maintenance pass.
func (p *Processor) Sweep(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled dispatches", "error", err)
	}
	if n, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("requeue expired dispatches", "error", err)
	} else if n > 0 {
		p.logger.Info("reclaimed expired dispatches", "count", n)
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handled, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue failed", "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessNext handles a single ready dispatch. It reports false when the queue was empty.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	dl, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if dl == nil {
		return false, nil
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.handle(ctx, dl)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, dl *queue.Delivery) {
	logger := p.logger.With("run_id", dl.RunID, "dispatch_id", dl.ID, "attempt", dl.Attempt)
	stop := p.heartbeat(ctx, dl, logger)
	report, err := p.runner.Step(ctx, dl.RunID, dl.WorkerToken)
	stop()
	var fatal *models.JobFatalError
	switch {
	case err == nil:
		if report.Skipped != "" {
			logger.Debug("dispatch skipped", "reason", report.Skipped)
		}
	case errors.As(err, &fatal):
		logger.Error("run failed", "reason", fatal.Reason, "error", err)
	case errors.Is(err, models.ErrConflict):
		logger.Info("lease lost before finalize", "error", err)
	default:
		p.retry(ctx, dl, report, err, logger)
		return
	}
	if err := p.queue.Ack(ctx, dl); err != nil {
		logger.Warn("ack dispatch", "error", err)
	}
}

// heartbeat keeps dl in flight while its step runs by extending the visibility
// deadline every third of the timeout. stop waits for the extender to exit.
func (p *Processor) heartbeat(ctx context.Context, dl *queue.Delivery, logger *slog.Logger) (stop func()) {
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, dl, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
					logger.Warn("extend dispatch lease", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// retry reschedules a dispatch that hit an infrastructure error. When the step
// had already leased the run, the retry waits for that lease to lapse.
func (p *Processor) retry(ctx context.Context, dl *queue.Delivery, report StepReport, cause error, logger *slog.Logger) {
	attempts := dl.Attempt + 1
	if attempts >= p.cfg.DispatchAttempts {
		logger.Error("dispatch dead-lettered", "error", cause)
		if err := p.queue.DeadLetter(ctx, dl); err != nil {
			logger.Warn("dead-letter dispatch", "error", err)
		}
		return
	}
	delay := jobs.Backoff(p.cfg.Retry.BackoffInitial, p.cfg.Retry.BackoffMax, attempts)
	if report.LeadID != "" && delay < p.cfg.Retry.JobLease {
		delay = p.cfg.Retry.JobLease
	}
	logger.Warn("dispatch failed, retrying", "error", cause, "retry_in", delay)
	if err := p.queue.Retry(ctx, dl, p.now().Add(delay)); err != nil {
		logger.Warn("reschedule dispatch", "error", err)
	}
}
