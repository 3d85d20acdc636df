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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"audit-report-pipeline/internal/config"
	"audit-report-pipeline/internal/i18n"
	"audit-report-pipeline/internal/logging"
	"audit-report-pipeline/internal/mailer"
	"audit-report-pipeline/internal/notify"
	"audit-report-pipeline/internal/pdf"
	"audit-report-pipeline/internal/queue"
	"audit-report-pipeline/internal/store"
	"audit-report-pipeline/internal/telemetry"
	"audit-report-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		logger.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	q := queue.New(redisClient, queue.Policy{
		MaxAttempts:             cfg.MaxAttempts,
		BackoffBase:             cfg.BackoffBase,
		BackoffMax:              cfg.BackoffMax,
		LockDuration:            cfg.LockDuration,
		MaxStalledCount:         cfg.MaxStalledCount,
		CompletedRetentionAge:   cfg.CompletedRetentionAge,
		CompletedRetentionCount: cfg.CompletedRetentionCount,
		FailedRetentionAge:      cfg.FailedRetentionAge,
	})

	transport, err := mailer.NewSMTP(mailer.SMTPConfig{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUser,
		Password:    cfg.SMTPPassword,
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
	})
	if err != nil {
		logger.Error("init smtp transport", slog.Any("error", err))
		os.Exit(1)
	}

	catalog, err := i18n.Load()
	if err != nil {
		logger.Error("load locales", slog.Any("error", err))
		os.Exit(1)
	}

	dispatcher, err := notify.NewDispatcher(transport, catalog, cfg.InternalAddress, logger)
	if err != nil {
		logger.Error("init dispatcher", slog.Any("error", err))
		os.Exit(1)
	}

	generator := pdf.NewGenerator(cfg.PDFOutputDir, cfg.PDFLogoPath)

	processor := worker.NewProcessor(worker.Config{
		PollInterval:      cfg.WorkerPollInterval,
		AttemptTimeout:    cfg.AttemptTimeout,
		LockRenewInterval: cfg.LockRenewInterval,
	}, q, st, st, generator, dispatcher, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.Int("max_attempts", cfg.MaxAttempts),
		slog.Duration("lock_duration", cfg.LockDuration),
		slog.Duration("backoff_base", cfg.BackoffBase),
	)

	done := make(chan error, 1)
	go func() { done <- processor.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", slog.Any("error", err))
			os.Exit(1)
		}
	case <-ctx.Done():
		// An attempt may still be in flight; give it the grace window
		// before exiting. The stall reclaim mechanism recovers the job
		// if we bail out mid-attempt.
		select {
		case <-done:
		case <-time.After(cfg.ShutdownGrace):
			logger.Warn("grace period elapsed with attempt still in flight, exiting")
		}
	}
	logger.Info("worker stopped")
}
