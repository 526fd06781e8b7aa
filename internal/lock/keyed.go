// Package lock provides a Redis-backed per-key mutex used to serialise
// state transitions for a single order while leaving other orders fully
// parallel.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Keyed acquires short-lived locks identified by an arbitrary key. Each
// acquisition holds a random owner token so an expired lock can never be
// released by a later holder.
type Keyed struct {
	R            *redis.Client
	Prefix       string
	TTL          time.Duration
	RetryBackoff time.Duration
}

// Do runs fn while holding the lock for key. Acquisition retries with a
// fixed backoff until the context is cancelled. The lock is released when fn
// returns, whatever its outcome.
func (k Keyed) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if k.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	ttl := k.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	retry := k.RetryBackoff
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	redisKey := k.redisKey(key)
	token := uuid.NewString()

	for {
		ok, err := k.R.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			defer k.release(context.Background(), redisKey, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (k Keyed) redisKey(key string) string {
	prefix := strings.TrimSpace(k.Prefix)
	if prefix == "" {
		prefix = "lock"
	}
	return prefix + ":" + key
}

func (k Keyed) release(ctx context.Context, key, token string) {
	if err := k.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = k.R.Del(ctx, key).Err()
		}
	}
}
