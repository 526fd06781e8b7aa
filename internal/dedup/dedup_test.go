package dedup_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-api/internal/dedup"
)

func newDeduplicator(t *testing.T) (dedup.Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return dedup.Deduplicator{R: client, Retention: time.Hour}, mr
}

func TestClaimOnce(t *testing.T) {
	d, _ := newDeduplicator(t)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.Claim(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, ok)

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, seen)

	ok, err = d.Claim(ctx, "evt_2")
	require.NoError(t, err)
	require.True(t, ok, "distinct event ids claim independently")
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	d, _ := newDeduplicator(t)
	ctx := context.Background()

	var winners int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.Claim(ctx, "evt_concurrent")
			require.NoError(t, err)
			if ok {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, winners)
}

func TestRetentionWindowExpires(t *testing.T) {
	d, mr := newDeduplicator(t)
	ctx := context.Background()

	ok, err := d.Claim(ctx, "evt_ttl")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Hour)

	ok, err = d.Claim(ctx, "evt_ttl")
	require.NoError(t, err)
	require.True(t, ok, "event id forgotten after the retention window")
}

func TestClaimRejectsEmptyID(t *testing.T) {
	d, _ := newDeduplicator(t)
	_, err := d.Claim(context.Background(), "  ")
	require.Error(t, err)
}
