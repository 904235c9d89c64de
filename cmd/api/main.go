package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-delivery-pipeline/internal/api"
	"webhook-delivery-pipeline/internal/config"
	"webhook-delivery-pipeline/internal/delivery"
	"webhook-delivery-pipeline/internal/queue"
	"webhook-delivery-pipeline/internal/ratelimit"
	"webhook-delivery-pipeline/internal/store"
	"webhook-delivery-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	server := api.New(engine, st, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", telemetry.F("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", telemetry.F("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
