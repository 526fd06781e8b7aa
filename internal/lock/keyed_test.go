package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-api/internal/lock"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestKeyedSerialisesSameKey(t *testing.T) {
	client := newClient(t)
	keyed := lock.Keyed{R: client, Prefix: "order", RetryBackoff: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var inside, maxInside int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := keyed.Do(ctx, "order_1", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside, "critical section must be exclusive per key")
}

func TestKeyedDifferentKeysDoNotBlock(t *testing.T) {
	client := newClient(t)
	keyed := lock.Keyed{R: client, RetryBackoff: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = keyed.Do(ctx, "order_a", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	done := make(chan error, 1)
	go func() {
		done <- keyed.Do(ctx, "order_b", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("lock on a different key should not block")
	}
	close(release)
}

func TestKeyedHonoursContextCancel(t *testing.T) {
	client := newClient(t)
	keyed := lock.Keyed{R: client, RetryBackoff: 5 * time.Millisecond}

	bg := context.Background()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = keyed.Do(bg, "order_1", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(bg, 50*time.Millisecond)
	defer cancel()
	err := keyed.Do(ctx, "order_1", func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
