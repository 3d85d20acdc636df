package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"audit-report-pipeline/internal/api"
	"audit-report-pipeline/internal/config"
	"audit-report-pipeline/internal/logging"
	"audit-report-pipeline/internal/queue"
	"audit-report-pipeline/internal/store"
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

	server := api.New(cfg, st, q, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
