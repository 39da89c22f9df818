package cache

import (
	"sync"
	"time"
)

// breakerState mirrors the classic open/closed/half-open circuit breaker,
// but reopens with exponential backoff capped at maxBackoff rather than a
// fixed reset timeout — the hot tier's unreachability is expected to be
// transient and retried lazily rather than probed on a fixed clock.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker gates hot-tier access so a down Redis never blocks candle or
// prediction traffic: failures degrade to a miss, and reconnection is
// attempted lazily with exponential backoff.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	backoff     time.Duration
	lastFailure time.Time

	initialBackoff time.Duration
	maxBackoff     time.Duration
	tripThreshold  int

	OnStateChange func(from, to int)
}

func newBreaker(tripThreshold int, initialBackoff, maxBackoff time.Duration) *breaker {
	return &breaker{
		state:          stateClosed,
		tripThreshold:  tripThreshold,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		backoff:        initialBackoff,
	}
}

// Allow reports whether a call should be attempted now.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.lastFailure) >= b.backoff {
			b.transition(stateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// Record reports the outcome of the attempt Allow permitted.
func (b *breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.backoff = b.initialBackoff
		if b.state != stateClosed {
			b.transition(stateClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.state == stateHalfOpen {
		// A failed probe reopens with a doubled backoff; the first trip
		// waits initialBackoff.
		b.backoff *= 2
		if b.backoff > b.maxBackoff {
			b.backoff = b.maxBackoff
		}
		b.transition(stateOpen)
	} else if b.failures >= b.tripThreshold {
		b.transition(stateOpen)
	}
}

// State returns 0=closed, 1=open, 2=half-open for metrics export.
func (b *breaker) State() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.state)
}

func (b *breaker) transition(to breakerState) {
	from := b.state
	b.state = to
	if cb := b.OnStateChange; cb != nil {
		cb(int(from), int(to))
	}
}
