// Package ratelimit throttles callers of the payment endpoints. A sliding
// window over Redis sorted sets keeps the count accurate across instances,
// which matters for the verify endpoint: it is the one surface an attacker
// can use to brute-force signatures.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter implements a sliding window rate limiter backed by Redis sorted
// sets: one set per caller key, one member per request, scored by arrival
// time. Members older than the window are trimmed on every call.
type Limiter struct {
	Client *redis.Client
	Prefix string
}

// Decision is the outcome of admitting one request against a limit. The
// middleware surfaces Remaining and Reset as response headers.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Allow records a request under key and decides whether it fits inside the
// window. A nil client or non-positive limit disables limiting.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now()
	if l.Client == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: max, Reset: now.Add(window)}, nil
	}

	setKey := l.Prefix + key
	cutoff := now.Add(-window).UnixNano()

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, setKey, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	countCmd := pipe.ZCard(ctx, setKey)
	pipe.Expire(ctx, setKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Reset: now.Add(window)}, err
	}

	current := int(countCmd.Val())
	remaining := max - current
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   current <= max,
		Remaining: remaining,
		Reset:     now.Add(window),
	}, nil
}
