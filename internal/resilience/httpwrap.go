package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// HTTPClient wraps an http.Client with bounded retries and a circuit
// breaker. Request bodies are buffered so an attempt can be replayed.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
}

// Do executes the request. Responses with a 5xx status and transport errors
// count as failures and are retried; 4xx responses are returned as-is since
// the processor has made a definitive decision.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow() {
			if lastErr == nil {
				lastErr = ErrOpenCircuit
			}
			return nil, lastErr
		}
		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
		}
		resp, err := cl.Client.Do(attemptReq)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			cl.report(true)
			return resp, nil
		}
		if err == nil {
			lastErr = errors.New(resp.Status)
			drain(resp)
		} else {
			lastErr = err
		}
		cl.report(false)
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(Backoff(cl.BaseBackoff, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (cl HTTPClient) report(success bool) {
	if cl.Breaker != nil {
		cl.Breaker.Report(success)
	}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
