// Package pool implements the Pool Registry (§4.1): the sole owner of the
// current upstream snapshot, published via atomic reference swap so readers
// never observe a torn update while no lock is held across I/O (§5).
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/logger"
)

const DefaultFailureThreshold = 5

// Registry is the Pool Registry described in §4.1. Grounded on
// internal/adapter/registry's CircuitBreaker/MemoryModelRegistry pattern of
// per-key atomic state plus a coarse mutex only around snapshot replacement,
// never around I/O.
type Registry struct {
	snapshot atomic.Pointer[domain.Snapshot]

	mu               sync.Mutex // guards replace() only; readers never take it
	nextGeneration   uint64
	failureThreshold int
	sticky           StickyInvalidator
	metrics          BreakerGaugeSink
	logger           *logger.StyledLogger
}

// StickyInvalidator lets the registry tell the Sticky Map an upstream
// disappeared or its breaker opened (§4.8 invalidation rule a/b).
type StickyInvalidator interface {
	InvalidateUpstream(upstreamID string)
}

// BreakerGaugeSink is the slice of ports.MetricsSink the registry needs to
// keep the breaker_open gauge current on tunnel-driven trips, not just on
// probe-driven ones (§6).
type BreakerGaugeSink interface {
	SetBreakerOpen(upstream string, open bool)
}

// New creates an empty registry. Call Replace once at startup to populate it.
func New(failureThreshold int, sticky StickyInvalidator, metrics BreakerGaugeSink, log *logger.StyledLogger) *Registry {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	r := &Registry{failureThreshold: failureThreshold, sticky: sticky, metrics: metrics, logger: log}
	r.snapshot.Store(&domain.Snapshot{Version: 0, Upstreams: nil})
	return r
}

// Current returns the latest published snapshot. Never blocks on I/O or on
// the replace lock.
func (r *Registry) Current() *domain.Snapshot {
	return r.snapshot.Load()
}

// Replace parses a proposed identity list, rejects duplicates, preserves
// breaker/health state for identities that already existed, assigns fresh
// generations to new entries, and atomically publishes the new snapshot
// (§4.1). Removed records are discarded — in-flight sessions referencing
// them keep their own reference and may complete, but cannot be reselected.
func (r *Registry) Replace(ctx context.Context, proposed []domain.Identity) (*domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(proposed))
	for _, id := range proposed {
		key := id.String()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate upstream in proposed set: %s", key)
		}
		seen[key] = struct{}{}
	}

	old := r.snapshot.Load()
	oldByID := make(map[string]*domain.UpstreamRecord, len(old.Upstreams))
	for _, u := range old.Upstreams {
		oldByID[u.Identity.String()] = u
	}

	next := make([]*domain.UpstreamRecord, 0, len(proposed))
	for _, id := range proposed {
		key := id.String()
		if existing, ok := oldByID[key]; ok {
			// Preserve health/breaker state and generation for survivors.
			next = append(next, existing)
			delete(oldByID, key)
			continue
		}
		r.nextGeneration++
		next = append(next, domain.NewUpstreamRecord(id, r.nextGeneration))
	}

	// Whatever remains in oldByID was removed by this reload; invalidate any
	// sticky bindings pointing at it (§4.8 rule a).
	if r.sticky != nil {
		for key := range oldByID {
			r.sticky.InvalidateUpstream(key)
		}
	}

	newSnapshot := &domain.Snapshot{Version: old.Version + 1, Upstreams: next}
	r.snapshot.Store(newSnapshot)

	if r.logger != nil {
		r.logger.Info("pool snapshot replaced",
			"version", newSnapshot.Version,
			"size", len(next),
			"removed", len(oldByID))
	}

	return newSnapshot, nil
}

// ReportResult forwards a tunnel or probe outcome to the named upstream's
// breaker. Safe for concurrent use from many tunnel sessions (§4.1).
func (r *Registry) ReportResult(identity string, ok bool) {
	snap := r.snapshot.Load()
	record, found := snap.Find(identity)
	if !found {
		return
	}
	if ok {
		record.Breaker().RecordSuccess()
		if r.metrics != nil {
			r.metrics.SetBreakerOpen(identity, false)
		}
		return
	}
	record.Breaker().RecordFailure(time.Now(), r.failureThreshold)
	sub, _ := record.Breaker().Snapshot()
	if r.metrics != nil {
		r.metrics.SetBreakerOpen(identity, sub == domain.BreakerOpen)
	}
	if sub == domain.BreakerOpen && r.sticky != nil {
		r.sticky.InvalidateUpstream(identity)
	}
}
