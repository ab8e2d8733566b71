package domain

import (
	"sync/atomic"
	"time"
)

// BreakerState is the per-upstream circuit breaker state machine described
// in §4.3. It is updated via atomics only — no lock is ever held across I/O,
// mirroring internal/adapter/health/circuit_breaker.go's circuitState.
type BreakerState struct {
	substate            atomic.Int32 // BreakerSubstate as int32
	consecutiveFailures atomic.Int64
	openedAt            atomic.Int64 // UnixNano; valid while substate != Closed
	halfOpenInFlight    atomic.Int32 // 0 or 1; guards halfopen_max_inflight=1
}

const (
	substateClosed int32 = iota
	substateOpen
	substateHalfOpen
)

func substateToEnum(i int32) BreakerSubstate {
	switch i {
	case substateOpen:
		return BreakerOpen
	case substateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// NewBreakerState returns a breaker starting Closed with zero failures.
func NewBreakerState() *BreakerState {
	return &BreakerState{}
}

// Snapshot returns the current substate and the time it was opened (zero if
// never opened or currently closed).
func (b *BreakerState) Snapshot() (BreakerSubstate, time.Time) {
	sub := substateToEnum(int32(b.substate.Load()))
	nano := b.openedAt.Load()
	if nano == 0 {
		return sub, time.Time{}
	}
	return sub, time.Unix(0, nano)
}

// ConsecutiveFailures returns the current failure count (meaningful while Closed).
func (b *BreakerState) ConsecutiveFailures() int64 {
	return b.consecutiveFailures.Load()
}

// MaybeHalfOpen transitions Open → HalfOpen once openDuration has elapsed
// since opening. It is idempotent and safe to call from many goroutines
// (e.g. every Selector.Select call); only one admits per open window since
// the substate CAS only succeeds once.
func (b *BreakerState) MaybeHalfOpen(now time.Time, openDuration time.Duration) {
	if BreakerSubstate(substateToEnum(int32(b.substate.Load()))) != BreakerOpen {
		return
	}
	openedNano := b.openedAt.Load()
	if openedNano == 0 {
		return
	}
	if now.Sub(time.Unix(0, openedNano)) < openDuration {
		return
	}
	b.substate.CompareAndSwap(substateOpen, substateHalfOpen)
}

// TryAdmitHalfOpenProbe admits at most one in-flight probe while HalfOpen, per
// halfopen_max_inflight=1 (§4.3). Returns false if a probe is already in flight
// or the breaker is not HalfOpen.
func (b *BreakerState) TryAdmitHalfOpenProbe() bool {
	if substateToEnum(int32(b.substate.Load())) != BreakerHalfOpen {
		return false
	}
	return b.halfOpenInFlight.CompareAndSwap(0, 1)
}

// ReleaseHalfOpenProbe frees the half-open admission slot.
func (b *BreakerState) ReleaseHalfOpenProbe() {
	b.halfOpenInFlight.Store(0)
}

// RecordSuccess resets the failure counter and, from HalfOpen or Open,
// transitions back to Closed.
func (b *BreakerState) RecordSuccess() {
	b.consecutiveFailures.Store(0)
	b.halfOpenInFlight.Store(0)
	b.openedAt.Store(0)
	b.substate.Store(substateClosed)
}

// RecordFailure increments the failure counter and opens the breaker once
// failureThreshold is reached (from Closed), or immediately reopens a
// HalfOpen breaker that failed its probe.
func (b *BreakerState) RecordFailure(now time.Time, failureThreshold int) {
	switch substateToEnum(int32(b.substate.Load())) {
	case BreakerHalfOpen:
		b.halfOpenInFlight.Store(0)
		b.openedAt.Store(now.UnixNano())
		b.substate.Store(substateOpen)
		b.consecutiveFailures.Add(1)
	default:
		failures := b.consecutiveFailures.Add(1)
		if failures >= int64(failureThreshold) {
			b.openedAt.Store(now.UnixNano())
			b.substate.Store(substateOpen)
		}
	}
}
