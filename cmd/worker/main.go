package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lead-run-orchestrator/internal/app"
	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/scheduler"
	"lead-run-orchestrator/internal/telemetry"
	workerproc "lead-run-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	workerID := app.WorkerID()
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(cfg.OTelEnabled, cfg.ServiceName+"-worker", cfg.OTelEndpoint)
	if err != nil {
		logger.Error("init tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	maintenance, err := scheduler.New(scheduler.Config{
		Followups:      a.Followups,
		Alerts:         a.Quota,
		FollowupSpec:   cfg.FollowupCron,
		EscalationSpec: cfg.EscalationCron,
		BatchSize:      cfg.FollowupBatchSize,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("init scheduler", "error", err)
		os.Exit(1)
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	processor := workerproc.NewProcessorWithID(cfg, a.Queue, a.Stepper, workerID, logger)
	logger.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"job_lease", cfg.Retry.JobLease,
		"store", cfg.StoreBackend,
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
