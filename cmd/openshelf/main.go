package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/openshelf/openshelf/internal/app"
	"github.com/openshelf/openshelf/internal/auth"
	"github.com/openshelf/openshelf/internal/identity"
	"github.com/openshelf/openshelf/internal/mail"
	"github.com/openshelf/openshelf/internal/observability"
	"github.com/openshelf/openshelf/internal/platform/cache"
	"github.com/openshelf/openshelf/internal/platform/db"
	"github.com/openshelf/openshelf/internal/ratelimit"
	"github.com/openshelf/openshelf/internal/session"
	"github.com/openshelf/openshelf/internal/users"
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

	if err := db.Migrate(ctx, cfg.PGDSN); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	userStore := identity.NewPGStore(pool)
	tokenStore := identity.NewPGTokenStore(pool)

	sessionCache := session.NewCache(redisClient, cfg.SessionCacheTTL)
	sessionManager := session.NewManager(session.NewPGStore(pool), sessionCache, session.Config{
		TTL:       cfg.SessionTTL,
		CacheTTL:  cfg.SessionCacheTTL,
		UpdateAge: cfg.SessionUpdateAge,
	}, logger)

	rateCfg := ratelimit.Config{Max: cfg.RateLimitMax, Window: cfg.RateLimitWindow}
	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "postgres" {
		limiter = ratelimit.NewPGLimiter(pool, rateCfg)
	} else {
		limiter = ratelimit.NewRedisLimiter(redisClient, rateCfg)
	}

	authService, err := auth.NewService(
		userStore, tokenStore, sessionManager, limiter,
		mail.NewAsynqMailer(asynqClient),
		auth.Config{
			VerifyTokenTTL: cfg.VerifyTokenTTL,
			ResetTokenTTL:  cfg.ResetTokenTTL,
			BcryptCost:     cfg.BcryptCost,
			RateWindow:     cfg.RateLimitWindow,
			MailTimeout:    cfg.MailTimeout,
			BaseURL:        cfg.BaseURL,
		}, logger)
	if err != nil {
		logger.Error("init auth service", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	authHandler := auth.NewHandler(logger, authService, metrics)
	usersHandler := users.NewHandler(logger, users.NewService(userStore, sessionManager))

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthService:  authService,
		AuthHandler:  authHandler,
		UsersHandler: usersHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}
