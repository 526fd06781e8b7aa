package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/payment-api/internal/config"
	"github.com/noah-isme/payment-api/internal/dedup"
	"github.com/noah-isme/payment-api/internal/gateway"
	"github.com/noah-isme/payment-api/internal/obs"
	"github.com/noah-isme/payment-api/internal/payment"
	"github.com/noah-isme/payment-api/internal/queue"
	"github.com/noah-isme/payment-api/internal/resilience"
	"github.com/noah-isme/payment-api/internal/store"
)

// The worker drains the webhook-event queue when the API runs with
// WEBHOOK_ASYNC enabled. It shares the API's state machine, so inline and
// queued application behave identically.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	var st store.Store
	if cfg.UsePostgres() {
		pool, err := pgxpool.New(initCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		if err := pool.Ping(initCtx); err != nil {
			logger.Fatal().Err(err).Msg("ping database")
		}
		st = store.NewPostgres(pool)
	} else {
		st = store.NewRedis(redisClient)
	}

	razorpay := gateway.NewRazorpay(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayBaseURL, resilience.HTTPClient{
		Client:      &http.Client{Timeout: cfg.GatewayTimeout},
		Breaker:     resilience.NewBreaker("razorpay", 5, 0.5, 30*time.Second, logger),
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: cfg.GatewayMaxAttempts,
		Jitter:      0.2,
	})

	svc := &payment.Service{
		Store:           st,
		Gateway:         razorpay,
		KeySecret:       []byte(cfg.RazorpayKeySecret),
		DefaultCurrency: cfg.DefaultCurrency,
		Log:             logger,
	}
	processor := &payment.Processor{
		Svc:           svc,
		WebhookSecret: []byte(cfg.WebhookSecret),
		Dedup:         dedup.Deduplicator{R: redisClient, Prefix: "pay:webhook:event", Retention: cfg.DedupRetention},
		Log:           logger,
	}

	worker := queue.Worker{
		R:                 redisClient,
		Prefix:            "pay",
		Concurrency:       4,
		VisibilityTimeout: 30 * time.Second,
		RetryBase:         time.Second,
		Handler:           processor.HandleTask,
	}

	logger.Info().Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
