package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-api/internal/resilience"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	b := resilience.NewBreaker("test", 4, 0.5, 20*time.Millisecond, zerolog.Nop())

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.Report(false)
	}
	require.False(t, b.Allow(), "breaker should be open after failure ratio exceeded")

	time.Sleep(25 * time.Millisecond)
	require.True(t, b.Allow(), "half-open probe allowed after cool-off")
	b.Report(true)
	require.True(t, b.Allow(), "successful probe closes the breaker")
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cl := resilience.HTTPClient{
		Client:      srv.Client(),
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls), "4xx is definitive, no retry")
}
