// Package app wires the orchestration components from configuration. The
// api, worker and leadrunctl binaries share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"lead-run-orchestrator/internal/auth"
	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/dnc"
	"lead-run-orchestrator/internal/followup"
	"lead-run-orchestrator/internal/idempotency"
	"lead-run-orchestrator/internal/jobs"
	"lead-run-orchestrator/internal/outreach"
	"lead-run-orchestrator/internal/profile"
	"lead-run-orchestrator/internal/queue"
	"lead-run-orchestrator/internal/quota"
	"lead-run-orchestrator/internal/receipts"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/worker"
)

// App holds every long-lived component.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Redis     *redis.Client
	Store     store.Store
	Queue     *queue.RedisQueue
	Quota     *quota.Guard
	DNC       *dnc.Guard
	Receipts  *receipts.Store
	Ledger    *idempotency.Ledger
	Jobs      *jobs.Manager
	Pipeline  *worker.Pipeline
	Stepper   *worker.Stepper
	Followups *followup.Scheduler
	Verifier  *auth.Verifier

	closers []func() error
}

// New connects to Redis and the configured document store and builds the
// component graph. Postgres migrations run on connect.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = cfg.Logger()
	}
	a := &App{Config: cfg, Logger: logger}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		_ = a.Redis.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, a.Redis.Close)

	switch cfg.StoreBackend {
	case "", "redis":
		a.Store = store.NewRedisStore(a.Redis)
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = pg
	default:
		a.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	profiles := profile.Default()
	if cfg.ProfilesFile != "" {
		set, err := profile.LoadFile(cfg.ProfilesFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		profiles = set
	}

	resolver, err := newResolver(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = queue.NewRedisQueue(a.Redis, queue.WithVisibility(cfg.VisibilityTimeout))
	a.Quota = quota.New(a.Store, cfg.Quota, cfg.Alerts, logger)
	a.DNC = dnc.New(a.Store)
	a.Receipts = receipts.New(a.Store)
	a.Ledger = idempotency.NewLedger(a.Store, cfg.Retry.IdempotencyPending, logger)
	a.Jobs = jobs.NewManager(a.Store, a.Quota, a.Queue, cfg.Retry, logger)
	a.Pipeline = worker.NewPipeline(worker.PipelineDeps{
		Ledger:   a.Ledger,
		Receipts: a.Receipts,
		DNC:      a.DNC,
		Resolver: resolver,
		Profiles: profiles,
		Retry:    cfg.Retry,
		Now:      store.Clock(a.Store),
		Logger:   logger,
	})
	a.Stepper = worker.NewStepper(a.Jobs, a.Pipeline, logger)
	a.Followups = followup.New(followup.Deps{
		Store:    a.Store,
		Jobs:     a.Jobs,
		Ledger:   a.Ledger,
		Receipts: a.Receipts,
		DNC:      a.DNC,
		Resolver: resolver,
		Profiles: profiles,
		Delay:    cfg.FollowupDelay,
		Lease:    cfg.Retry.FollowupLease,
		Logger:   logger,
	})
	a.Verifier = auth.NewVerifier(cfg.JWTSecret)
	return a, nil
}

// newResolver picks the outreach gateway when configured. Lead folders go to
// S3 when a bucket is set, else to a local directory.
func newResolver(ctx context.Context, cfg config.Config) (outreach.Resolver, error) {
	var drive outreach.Drive
	if cfg.DriveS3Bucket != "" {
		d, err := outreach.NewS3Drive(ctx, outreach.S3Options{
			Bucket:    cfg.DriveS3Bucket,
			Region:    cfg.DriveS3Region,
			Endpoint:  cfg.DriveS3Endpoint,
			PathStyle: cfg.DriveS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		drive = d
	} else {
		drive = outreach.NewLocalDrive(filepath.Join(os.TempDir(), "lead-runs"))
	}

	if cfg.GatewayURL == "" {
		return outreach.Static{Drive: drive}, nil
	}
	gw := outreach.NewGateway(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout)
	return outreach.WithDrive(gw, drive), nil
}

// WorkerID names this process in logs: WORKER_ID, else the hostname.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// ShutdownTimeout bounds graceful shutdown of servers and workers.
const ShutdownTimeout = 10 * time.Second
