// Package breaker applies the §4.3 circuit breaker parameters
// (failure_threshold, open_duration, halfopen_max_inflight) on top of the
// per-upstream domain.BreakerState, the same split
// internal/adapter/health/circuit_breaker.go uses between its stateless
// CircuitBreaker config and the atomic circuitState it guards.
package breaker

import (
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
)

const (
	DefaultFailureThreshold  = 5
	DefaultOpenDuration      = 30 * time.Second
	DefaultProbationWindow   = 2 * time.Second
	HalfOpenMaxInFlight      = 1
)

// Config holds the breaker's tunable parameters (§4.3).
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	ProbationWindow  time.Duration
}

// DefaultConfig returns the breaker's default parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		OpenDuration:     DefaultOpenDuration,
		ProbationWindow:  DefaultProbationWindow,
	}
}

// Allow reports whether record may be selected right now, advancing
// Open → HalfOpen if open_duration has elapsed (§4.3). It does not admit a
// half-open probe by itself — callers that intend to actually dispatch
// traffic through a HalfOpen record must also call AdmitProbe.
func Allow(record *domain.UpstreamRecord, cfg Config, now time.Time) bool {
	record.Breaker().MaybeHalfOpen(now, cfg.OpenDuration)
	sub, _ := record.Breaker().Snapshot()
	return sub == domain.BreakerClosed || sub == domain.BreakerHalfOpen
}

// AdmitProbe attempts to claim the single half-open in-flight slot. Callers
// that get false must not use this upstream for this selection attempt.
func AdmitProbe(record *domain.UpstreamRecord) bool {
	sub, _ := record.Breaker().Snapshot()
	if sub != domain.BreakerHalfOpen {
		return true // Closed records need no admission ticket
	}
	return record.Breaker().TryAdmitHalfOpenProbe()
}

// ReleaseProbe frees the half-open slot after the probe session ends,
// regardless of outcome (the outcome itself is reported via RecordOutcome).
func ReleaseProbe(record *domain.UpstreamRecord) {
	record.Breaker().ReleaseHalfOpenProbe()
}

// RecordOutcome applies a session result to the breaker (§4.3's definition
// of failure/success is applied by the Tunnel Engine before calling this).
func RecordOutcome(record *domain.UpstreamRecord, cfg Config, ok bool, now time.Time) {
	if ok {
		record.Breaker().RecordSuccess()
		return
	}
	record.Breaker().RecordFailure(now, cfg.FailureThreshold)
}

// OldestOpenedAt is used by the Selector to prefer the oldest HalfOpen
// record when several exist, per §4.2 step 4 ("at most one HalfOpen record
// may be handed out per half-open-probe window... prefer the oldest
// opened_at").
func OldestOpenedAt(record *domain.UpstreamRecord) time.Time {
	_, openedAt := record.Breaker().Snapshot()
	return openedAt
}
