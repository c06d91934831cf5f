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

	"lead-run-orchestrator/internal/api"
	"lead-run-orchestrator/internal/app"
	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/ratelimit"
	"lead-run-orchestrator/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(cfg.OTelEnabled, cfg.ServiceName+"-api", cfg.OTelEndpoint)
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

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty; every /v1 request will be rejected")
	}
	limiter := ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(api.Deps{
		Jobs:      a.Jobs,
		Receipts:  a.Receipts,
		DNC:       a.DNC,
		Quota:     a.Quota,
		Followups: a.Followups,
		Ledger:    a.Ledger,
		Stepper:   a.Stepper,
		Queue:     a.Queue,
		Verifier:  a.Verifier,
		Limiter:   limiter,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
}
