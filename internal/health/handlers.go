// Package health exposes liveness and readiness probes. Readiness checks the
// stores the payment core actually depends on; the processor itself is not
// probed, its availability is the resilience layer's concern.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Probe pings one dependency within the given timeout.
type Probe func(ctx context.Context, timeout time.Duration) error

// Handler exposes HTTP handlers for health endpoints. PingDB is nil when the
// service runs on the Redis store alone.
type Handler struct {
	PingRedis    Probe
	PingDB       Probe
	RedisTimeout time.Duration
	DBTimeout    time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness based on dependency probes.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.PingRedis == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	status := map[string]string{"redis": "ok"}
	healthy := true
	if err := h.PingRedis(ctx, h.redisTimeout()); err != nil {
		status["redis"] = err.Error()
		healthy = false
	}
	if h.PingDB != nil {
		status["db"] = "ok"
		if err := h.PingDB(ctx, h.dbTimeout()); err != nil {
			status["db"] = err.Error()
			healthy = false
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h Handler) redisTimeout() time.Duration {
	if h.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return h.RedisTimeout
}

func (h Handler) dbTimeout() time.Duration {
	if h.DBTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.DBTimeout
}
