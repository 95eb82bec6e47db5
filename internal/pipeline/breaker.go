package pipeline

import (
	"sync"
	"time"
)

// breakerState is a single peer's circuit breaker phase.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker is the per-peer breaker: opens after 5 failures within
// a 60s window, reopens to half-open after a 30s cooldown.
type CircuitBreaker struct {
	failureThreshold int
	window           time.Duration
	cooldown         time.Duration
	nowFn            func() time.Time

	mu    sync.Mutex
	peers map[string]*peerBreaker
}

type peerBreaker struct {
	state      breakerState
	failures   []time.Time
	openedAt   time.Time
	halfOpenAt time.Time
	probing    bool // a half-open probe is in flight
}

// NewCircuitBreaker constructs a breaker with the default thresholds.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: 5,
		window:           60 * time.Second,
		cooldown:         30 * time.Second,
		nowFn:            time.Now,
		peers:            make(map[string]*peerBreaker),
	}
}

// Allow reports whether a request to peerID may proceed. A half-open
// breaker allows exactly one probe through at a time, including across
// concurrent pipelines sharing the breaker; RecordSuccess/RecordFailure
// resolve the probe back to closed or open, releasing the slot.
func (cb *CircuitBreaker) Allow(peerID string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pb, ok := cb.peers[peerID]
	if !ok {
		return true
	}

	switch pb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.nowFn().Sub(pb.openedAt) >= cb.cooldown {
			pb.state = breakerHalfOpen
			pb.halfOpenAt = cb.nowFn()
			pb.probing = true
			return true
		}
		return false
	case breakerHalfOpen:
		if pb.probing {
			return false
		}
		pb.probing = true
		return true
	default:
		return true
	}
}

// RecordFailure registers a failed/timed-out call against peerID, opening
// the breaker if the failure threshold is reached within the window, or
// re-opening immediately if a half-open probe failed.
func (cb *CircuitBreaker) RecordFailure(peerID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pb, ok := cb.peers[peerID]
	if !ok {
		pb = &peerBreaker{}
		cb.peers[peerID] = pb
	}

	if pb.state == breakerHalfOpen {
		pb.state = breakerOpen
		pb.openedAt = cb.nowFn()
		pb.failures = nil
		pb.probing = false
		return
	}

	now := cb.nowFn()
	pb.failures = append(pb.failures, now)
	cutoff := now.Add(-cb.window)
	kept := pb.failures[:0]
	for _, t := range pb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	pb.failures = kept

	if len(pb.failures) >= cb.failureThreshold {
		pb.state = breakerOpen
		pb.openedAt = now
	}
}

// RecordSuccess closes the breaker for peerID, clearing any accumulated
// failure history.
func (cb *CircuitBreaker) RecordSuccess(peerID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pb, ok := cb.peers[peerID]
	if !ok {
		return
	}
	pb.state = breakerClosed
	pb.failures = nil
	pb.probing = false
}
