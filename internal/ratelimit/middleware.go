package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-api/internal/common"
)

// Config describes how to derive a rate limit key and thresholds.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler enforces rate limits before delegating to the next handler.
// Limiter errors fail open: a Redis outage must not take payments down.
type Handler struct {
	Limiter Limiter
	Config  Config
	Log     zerolog.Logger
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Config.Key(r)
		decision, err := h.Limiter.Allow(r.Context(), key, h.Config.Window, h.Config.Max)
		if err != nil {
			h.Log.Error().Err(err).Str("key", key).Msg("rate limiter unavailable, failing open")
			next.ServeHTTP(w, r)
			return
		}

		limitValue := h.Config.Max
		if limitValue < 0 {
			limitValue = 0
		}
		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(limitValue))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(time.Until(decision.Reset).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(retryAfter))
			common.JSONError(w, http.StatusTooManyRequests, common.CodeRateLimited, "too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ByClientIP keys the limit on the caller's address.
func ByClientIP(r *http.Request) string {
	return common.ClientIP(r)
}
