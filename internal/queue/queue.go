// Package queue is a small Redis-backed task queue used to apply verified
// webhook events off the request path. Tasks live in a sorted set scored by
// their due time; in-flight tasks move to a processing set with a visibility
// deadline so a crashed worker's tasks are redelivered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/payment-api/internal/resilience"
)

type message struct {
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt int64           `json:"available_at"`
}

// Enqueuer publishes webhook-event tasks.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	MaxAttempts int
}

// Enqueue inserts a task payload, due immediately.
func (e Enqueuer) Enqueue(ctx context.Context, payload []byte) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	msg := message{
		Payload:     payload,
		MaxAttempts: maxAttempts,
		AvailableAt: time.Now().UnixNano(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, queueKey(e.Prefix), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

// claimScript moves the lowest-scored task into the processing set in one
// step, so a crash after the pop cannot lose a task: it is always in exactly
// one of the two sets until completion removes it.
var claimScript = redis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1], 1)
if #popped == 0 then
	return false
end
redis.call("ZADD", KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Worker consumes tasks until the context is cancelled.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	Handler           func(context.Context, []byte) error
}

// Run processes tasks. Failed tasks are retried with exponential backoff up
// to their attempt budget, then pushed to the dead-letter list.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: handler not configured")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	qKey := queueKey(w.Prefix)
	pKey := processingKey(w.Prefix)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	requeueTicker := time.NewTicker(time.Second)
	defer requeueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-requeueTicker.C:
			if err := w.requeueExpired(ctx, pKey, qKey); err != nil {
				return err
			}
		default:
		}

		deadline := time.Now().Add(visibility).UnixNano()
		val, err := claimScript.Run(ctx, w.R, []string{qKey, pKey}, deadline).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		member, ok := val.(string)
		if !ok {
			continue
		}
		var msg message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			_ = w.R.ZRem(ctx, pKey, member).Err()
			continue
		}
		now := time.Now().UnixNano()
		if msg.AvailableAt > now {
			_, _ = w.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, pKey, member)
				pipe.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
				return nil
			})
			sleep := time.Duration(msg.AvailableAt - now)
			if sleep > time.Second {
				sleep = time.Second
			}
			time.Sleep(sleep)
			continue
		}

		// Swap the processing record for one carrying the incremented
		// attempt. A crash in between leaves the original record, which
		// requeueExpired redelivers.
		msg.Attempt++
		raw, err := json.Marshal(msg)
		if err != nil {
			_ = w.R.ZRem(ctx, pKey, member).Err()
			continue
		}
		_, err = w.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, pKey, member)
			pipe.ZAdd(ctx, pKey, redis.Z{Score: float64(deadline), Member: raw})
			return nil
		})
		if err != nil {
			return err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m message) {
			defer func() { <-sem }()
			defer wg.Done()
			if err := w.Handler(ctx, m.Payload); err != nil {
				w.retryOrBury(ctx, qKey, pKey, raw, m, retryBase)
				return
			}
			_ = w.R.ZRem(ctx, pKey, raw).Err()
		}(string(raw), msg)
	}
}

func (w Worker) retryOrBury(ctx context.Context, qKey, pKey, raw string, msg message, base time.Duration) {
	_ = w.R.ZRem(ctx, pKey, raw).Err()
	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		if encoded, err := json.Marshal(msg); err == nil {
			_ = w.R.LPush(ctx, dlqKey(w.Prefix), encoded).Err()
		}
		return
	}
	msg.AvailableAt = time.Now().Add(resilience.Backoff(base, msg.Attempt, 0.2)).UnixNano()
	if encoded, err := json.Marshal(msg); err == nil {
		_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
}

func (w Worker) requeueExpired(ctx context.Context, pKey, qKey string) error {
	now := float64(time.Now().UnixNano())
	due, err := w.R.ZRangeByScore(ctx, pKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		var msg message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		_ = w.R.ZRem(ctx, pKey, raw).Err()
		msg.AvailableAt = time.Now().UnixNano()
		if encoded, err := json.Marshal(msg); err == nil {
			_ = w.R.ZAdd(ctx, qKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
		}
	}
	return nil
}

func queueKey(prefix string) string {
	if prefix == "" {
		prefix = "pay"
	}
	return prefix + ":queue:webhook-event"
}

func processingKey(prefix string) string {
	return queueKey(prefix) + ":processing"
}

func dlqKey(prefix string) string {
	return queueKey(prefix) + ":dlq"
}
