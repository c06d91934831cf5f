package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// StepReport summarizes one invocation of Step.
type StepReport struct {
	RunID      string `json:"run_id"`
	Skipped    string `json:"skipped,omitempty"`
	LeadID     string `json:"lead_id,omitempty"`
	Status     string `json:"status,omitempty"`
	NextIndex  int    `json:"next_index"`
	LeadFailed bool   `json:"lead_failed,omitempty"`
}

// Stepper advances a run by exactly one lead per call.
type Stepper struct {
	jobs     *jobs.Manager
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewStepper(m *jobs.Manager, p *Pipeline, logger *slog.Logger) *Stepper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stepper{jobs: m, pipeline: p, logger: logger}
}

// Step leases the run, processes the lead under its cursor and finalizes the
// outcome. A refused lease is not an error: the report names the reason.
func (s *Stepper) Step(ctx context.Context, runID, workerToken string) (StepReport, error) {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "lead_run.step")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	report := StepReport{RunID: runID}
	lease, err := s.jobs.Acquire(ctx, runID, workerToken)
	var skip *jobs.SkipError
	if errors.As(err, &skip) {
		report.Skipped = skip.Reason
		span.SetAttributes(attribute.String("skipped", skip.Reason))
		return report, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	report.LeadID = lease.LeadID
	span.SetAttributes(
		attribute.String("lead_id", lease.LeadID),
		attribute.Int("index", lease.Index),
		attribute.String("correlation_id", lease.Job.CorrelationID),
	)

	lead, err := s.jobs.GetLead(ctx, runID, lease.LeadID)
	if store.IsNotFound(err) {
		err = s.jobs.Fail(ctx, lease, &models.JobFatalError{Reason: "lead_missing", Err: models.ErrLeadMissing})
		report.Status = models.StatusFailed
		span.SetStatus(codes.Error, "lead_missing")
		return report, err
	}
	if err != nil {
		// The lease expires on its own; the dispatch is retried by the queue.
		span.RecordError(err)
		return report, fmt.Errorf("load lead %s: %w", lease.LeadID, err)
	}

	delta, leadErr := s.pipeline.Process(ctx, lease.Job, lead)
	if leadErr != nil {
		span.RecordError(leadErr)
	}
	res, err := s.jobs.Finalize(ctx, lease, jobs.StepResult{Delta: delta, Err: leadErr})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	report.Status = res.Job.Status
	report.NextIndex = res.Job.NextIndex
	report.LeadFailed = res.LeadFailed
	return report, nil
}
