package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv string
	Port   string

	RedisURL    string
	DatabaseURL string

	RazorpayKeyID      string
	RazorpayKeySecret  string
	WebhookSecret      string
	RazorpayBaseURL    string
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int

	DedupRetention time.Duration
	WebhookAsync   bool

	DefaultCurrency string

	RateLimitWindow time.Duration
	RateLimitMax    int

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           k.String("REDIS_URL"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RazorpayKeyID:      k.String("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:  k.String("RAZORPAY_KEY_SECRET"),
		WebhookSecret:      k.String("RAZORPAY_WEBHOOK_SECRET"),
		RazorpayBaseURL:    valueOrDefault(k.String("RAZORPAY_BASE_URL"), "https://api.razorpay.com"),
		GatewayTimeout:     parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		GatewayMaxAttempts: intOrDefault(k.Int("GATEWAY_MAX_ATTEMPTS"), 3),
		DedupRetention:     parseDuration(k.String("DEDUP_RETENTION"), "336h"),
		WebhookAsync:       parseBool(k.String("WEBHOOK_ASYNC")),
		DefaultCurrency:    valueOrDefault(k.String("DEFAULT_CURRENCY"), "INR"),
		RateLimitWindow:    parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		RateLimitMax:       intOrDefault(k.Int("RATE_LIMIT_MAX"), 120),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.RazorpayKeyID == "" {
		return nil, errors.New("RAZORPAY_KEY_ID is required")
	}
	if cfg.RazorpayKeySecret == "" {
		return nil, errors.New("RAZORPAY_KEY_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("RAZORPAY_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// UsePostgres reports whether the Postgres-backed store should be used.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadForTests allows tests to override environment variables without
// leaking changes into the real environment.
func LoadForTests(envVars map[string]string) (*Config, error) {
	original := make(map[string]string, len(envVars))
	for key := range envVars {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, envVars[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
