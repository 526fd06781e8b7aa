package resilience

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State represents the current breaker state.
type State int

const (
	// Closed accepts all requests and tracks failures.
	Closed State = iota
	// Open rejects requests until the cool-off period expires.
	Open
	// HalfOpen allows a probe to determine recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker implements a failure-ratio circuit breaker guarding an outbound
// dependency.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	minRequests  int
	failureRatio float64
	openedAt     time.Time
	openFor      time.Duration
	target       string
	logger       zerolog.Logger
}

// NewBreaker constructs a breaker that opens when the rolling failure ratio
// exceeds the threshold once minRequests outcomes have been observed.
func NewBreaker(target string, minRequests int, failureRatio float64, openFor time.Duration, logger zerolog.Logger) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		state:        Closed,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		target:       target,
		logger:       logger,
	}
}

// Allow reports whether a request may proceed. An open breaker permits a
// single probe once the cool-off period has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		if time.Since(b.openedAt) >= b.openFor {
			b.transition(HalfOpen)
			return true
		}
		return false
	}
	return true
}

// Report records the outcome of a request.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.transition(Closed)
		} else {
			b.openedAt = time.Now()
			b.transition(Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}
	total := b.successes + b.failures
	if total < b.minRequests {
		return
	}
	if float64(b.failures)/float64(total) >= b.failureRatio {
		b.openedAt = time.Now()
		b.transition(Open)
	}
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == Closed || next == HalfOpen {
		b.failures = 0
		b.successes = 0
	}
	b.logger.Warn().
		Str("target", b.target).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("circuit breaker state change")
}

// Backoff computes the exponential backoff for the given attempt with
// optional proportional jitter.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if jitter > 0 {
		spread := float64(d) * jitter
		d += time.Duration(rand.Float64()*2*spread - spread)
	}
	if d < 0 {
		d = base
	}
	return d
}
