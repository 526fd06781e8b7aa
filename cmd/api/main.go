package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/payment-api/internal/config"
	"github.com/noah-isme/payment-api/internal/dedup"
	"github.com/noah-isme/payment-api/internal/gateway"
	"github.com/noah-isme/payment-api/internal/health"
	"github.com/noah-isme/payment-api/internal/obs"
	"github.com/noah-isme/payment-api/internal/payment"
	"github.com/noah-isme/payment-api/internal/queue"
	"github.com/noah-isme/payment-api/internal/ratelimit"
	"github.com/noah-isme/payment-api/internal/resilience"
	"github.com/noah-isme/payment-api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "payment")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	if envBool("OBS_ENABLE_TRACING", true) {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "payment-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

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
	var pool *pgxpool.Pool
	if cfg.UsePostgres() {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		pool, err = pgxpool.New(initCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		if err := pool.Ping(initCtx); err != nil {
			logger.Fatal().Err(err).Msg("ping database")
		}
		st = store.NewPostgres(pool)
		logger.Info().Msg("using postgres store")
	} else {
		st = store.NewRedis(redisClient)
		logger.Info().Msg("using redis store")
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
		Async:         cfg.WebhookAsync,
		Log:           logger,
	}
	if cfg.WebhookAsync {
		processor.Enqueuer = &queue.Enqueuer{R: redisClient, Prefix: "pay"}
	}
	handler := &payment.Handler{Svc: svc, Processor: processor, KeyID: cfg.RazorpayKeyID}

	limiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "pay:ratelimit:"},
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIP,
			Window: cfg.RateLimitWindow,
			Max:    cfg.RateLimitMax,
		},
		Log: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server")
	})
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{
		PingRedis: func(ctx context.Context, timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return redisClient.Ping(ctx).Err()
		},
	}
	if pool != nil {
		healthHandler.PingDB = func(ctx context.Context, timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return pool.Ping(ctx)
		}
	}
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)

	r.Route("/payments", func(p chi.Router) {
		p.Use(limiter.Middleware)
		handler.Routes(p)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
		logger.Info().Msg("server shutdown complete")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}
