// Package dedup tracks which processor event ids have already been applied,
// so duplicate webhook deliveries collapse into a single effect.
package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator records claimed event ids in Redis. Retention bounds how long
// an id is remembered; it should cover the processor's maximum redelivery
// window. The state machine's own idempotency backstops anything older.
type Deduplicator struct {
	R         *redis.Client
	Prefix    string
	Retention time.Duration
}

// Claim atomically records eventID if unseen. Exactly one concurrent caller
// for a given id observes true; everyone else sees false and must discard
// the delivery as a duplicate.
func (d Deduplicator) Claim(ctx context.Context, eventID string) (bool, error) {
	if d.R == nil {
		return false, errors.New("dedup: redis client not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, errors.New("dedup: event id is required")
	}
	retention := d.Retention
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return d.R.SetNX(ctx, d.key(eventID), "1", retention).Result()
}

// Release forgets a claimed event id. Used when applying a claimed event
// fails, so the processor's next redelivery gets a fresh claim instead of
// being swallowed as a duplicate.
func (d Deduplicator) Release(ctx context.Context, eventID string) error {
	if d.R == nil {
		return errors.New("dedup: redis client not configured")
	}
	return d.R.Del(ctx, d.key(eventID)).Err()
}

// Seen reports whether eventID has already been claimed, without claiming it.
func (d Deduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	if d.R == nil {
		return false, errors.New("dedup: redis client not configured")
	}
	n, err := d.R.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d Deduplicator) key(eventID string) string {
	prefix := strings.TrimSpace(d.Prefix)
	if prefix == "" {
		prefix = "wh:event"
	}
	return prefix + ":" + eventID
}
