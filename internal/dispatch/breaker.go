package dispatch

import (
	"sync"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
)

// breakerState is the circuit's position: Closed admits everything,
// Open refuses everything until cooldown, HalfOpen admits exactly one
// probe to decide whether to close again.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

type breakerResult struct {
	t  time.Time
	ok bool
}

// circuitBreaker guards dispatch to the task queue backend: once a
// sliding window of attempts crosses the failure-rate threshold, it
// opens and refuses further attempts until the cooldown elapses,
// trading a burst of dispatch_failed responses for backend recovery
// time. Adapted from the sliding-window/cooldown breaker already used
// elsewhere in this codebase, wired here to the dispatch metrics.
type circuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []breakerResult
	halfOpenInFlight bool
}

func newCircuitBreaker(window, cooldown time.Duration, failureThresh float64, minSamples int) *circuitBreaker {
	cb := &circuitBreaker{
		state:          breakerClosed,
		window:         window,
		cooldown:       cooldown,
		failureThresh:  failureThresh,
		minSamples:     minSamples,
		lastTransition: time.Now(),
	}
	obs.CircuitBreakerState.Set(0)
	return cb
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.setState(breakerHalfOpen)
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case breakerHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, breakerResult{t: now, ok: ok})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == breakerHalfOpen {
			if ok {
				cb.setState(breakerClosed)
			} else {
				cb.setState(breakerOpen)
			}
		}
		return
	}
	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case breakerClosed:
		if rate >= cb.failureThresh {
			cb.setState(breakerOpen)
		}
	case breakerHalfOpen:
		if ok {
			cb.setState(breakerClosed)
		} else {
			cb.setState(breakerOpen)
		}
		cb.halfOpenInFlight = false
	case breakerOpen:
	}
}

func (cb *circuitBreaker) setState(s breakerState) {
	cb.state = s
	cb.lastTransition = time.Now()
	obs.CircuitBreakerState.Set(float64(s))
	if s == breakerOpen {
		obs.CircuitBreakerTrips.Inc()
	}
}
