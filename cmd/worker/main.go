package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"webhook-delivery-pipeline/internal/config"
	"webhook-delivery-pipeline/internal/delivery"
	"webhook-delivery-pipeline/internal/queue"
	"webhook-delivery-pipeline/internal/ratelimit"
	"webhook-delivery-pipeline/internal/store"
	"webhook-delivery-pipeline/internal/telemetry"
	workerproc "webhook-delivery-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.Default()

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
		logger.Error("connect postgres", telemetry.F("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", telemetry.F("error", err.Error()))
		os.Exit(1)
	}

	q := queue.New(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewFixedWindowLimiter(redisClient, "downstream", cfg.RateLimitPerSec, logger)
	engine := delivery.New(st, q, limiter, cfg, logger)

	pool := workerproc.NewPool(cfg, q, engine, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Info("metrics server stopped", telemetry.F("error", err.Error()))
		}
	}()

	logger.Info("worker started",
		telemetry.F("concurrency", cfg.WorkerConcurrency),
		telemetry.F("visibility_seconds", cfg.QueueVisibility.Seconds()),
	)
	if err := pool.Run(ctx); err != nil {
		logger.Info("worker stopped", telemetry.F("reason", err.Error()))
	}
}
