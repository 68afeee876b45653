package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/openshelf/openshelf/internal/app"
	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/mail"
	"github.com/openshelf/openshelf/internal/platform/db"
	"github.com/openshelf/openshelf/internal/ratelimit"
	"github.com/openshelf/openshelf/internal/session"
	"github.com/openshelf/openshelf/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The postgres limiter is only swept when it is the active backend.
	var limiter *ratelimit.PGLimiter
	if cfg.RateLimitBackend == "postgres" {
		limiter = ratelimit.NewPGLimiter(pool, ratelimit.Config{
			Max:    cfg.RateLimitMax,
			Window: cfg.RateLimitWindow,
		})
	}

	maintenance := jobs.NewMaintenance(
		session.NewPGStore(pool),
		identity.NewPGTokenStore(pool),
		limiter,
		logger,
	)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Sender:      mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom),
		Maintenance: maintenance,
		Cron: []jobs.CronRegistration{
			{Spec: "17 * * * *", Task: jobs.NewAuthMaintenanceTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}
