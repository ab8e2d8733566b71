// Package selector implements the Selector (§4.2): chooses an upstream for
// a request honoring stickiness and breaker/health eligibility, using a
// weighted round-robin with a per-snapshot atomic cursor — the same idiom
// as internal/adapter/balancer/round_robin.go's RoundRobinSelector,
// generalised with sticky-map consultation and half-open admission.
package selector

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/core/ports"
	"github.com/pgproxy/gateway/internal/gateway/breaker"
)

// Selector implements ports.Selector.
type Selector struct {
	sticky      ports.StickyStore
	breakerCfg  breaker.Config
	stickyTTL   time.Duration

	// cursors maps snapshot version -> round-robin cursor, so a reload gets
	// a fresh fair-share cursor instead of inheriting a stale offset.
	mu      sync.Mutex
	cursors map[uint64]*atomic.Uint64
}

// New builds a Selector. stickyTTL<=0 disables stickiness entirely (§3).
func New(sticky ports.StickyStore, breakerCfg breaker.Config, stickyTTL time.Duration) *Selector {
	return &Selector{
		sticky:     sticky,
		breakerCfg: breakerCfg,
		stickyTTL:  stickyTTL,
		cursors:    make(map[uint64]*atomic.Uint64),
	}
}

// Select implements §4.2's algorithm.
func (s *Selector) Select(ctx context.Context, clientID string, snapshot *domain.Snapshot, now time.Time) (*domain.UpstreamRecord, error) {
	if snapshot == nil || len(snapshot.Upstreams) == 0 {
		return nil, domain.ErrNoUpstreamAvailable
	}

	// Step 1: sticky lookup.
	if clientID != "" && s.stickyTTL > 0 && s.sticky != nil {
		if binding, ok := s.sticky.Lookup(clientID, now); ok {
			if record, found := snapshot.Find(binding.UpstreamID); found && s.eligibleNow(record, now) {
				return record, nil
			}
		}
	}

	closed, halfOpenOldest := s.eligibleCandidates(snapshot, now)
	candidates := closed
	if halfOpenOldest != nil {
		candidates = append(candidates, halfOpenOldest)
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoUpstreamAvailable
	}

	chosen := s.pick(snapshot.Version, candidates)

	// The HalfOpen candidate only claims the single in-flight probe slot if
	// pick() actually hands it out; losing the race (or pick() choosing a
	// Closed candidate instead) must not leave the slot claimed (§4.2 step 4,
	// §4.3 halfopen_max_inflight=1).
	if chosen == halfOpenOldest && !breaker.AdmitProbe(chosen) {
		if len(closed) == 0 {
			return nil, domain.ErrNoUpstreamAvailable
		}
		chosen = s.pick(snapshot.Version, closed)
	}

	// Step 3: refresh sticky binding for the chosen upstream.
	if clientID != "" && s.stickyTTL > 0 && s.sticky != nil {
		s.sticky.Bind(clientID, chosen.Identity.String(), s.stickyTTL, now)
	}

	return chosen, nil
}

// eligibleNow re-checks eligibility and, for a HalfOpen record, attempts to
// claim the single in-flight probe slot. Failing to claim it makes the
// record ineligible for this selection (§4.3 halfopen_max_inflight=1).
func (s *Selector) eligibleNow(record *domain.UpstreamRecord, now time.Time) bool {
	if !breaker.Allow(record, s.breakerCfg, now) {
		return false
	}
	if !record.Eligible() {
		return false
	}
	sub, _ := record.Breaker().Snapshot()
	if sub == domain.BreakerHalfOpen {
		return breaker.AdmitProbe(record)
	}
	return true
}

// eligibleCandidates applies breaker Open→HalfOpen advancement and filters by
// health+breaker eligibility. When multiple HalfOpen records exist, only the
// single oldest one is returned as a HalfOpen candidate, per §4.2 step 4; it
// is not yet admitted — the caller admits it only if pick() selects it.
func (s *Selector) eligibleCandidates(snapshot *domain.Snapshot, now time.Time) (closed []*domain.UpstreamRecord, halfOpenOldest *domain.UpstreamRecord) {
	var halfOpen []*domain.UpstreamRecord

	for _, u := range snapshot.Upstreams {
		breaker.Allow(u, s.breakerCfg, now) // advance Open -> HalfOpen as needed
		if !u.Eligible() {
			continue
		}
		sub, _ := u.Breaker().Snapshot()
		if sub == domain.BreakerHalfOpen {
			halfOpen = append(halfOpen, u)
		} else {
			closed = append(closed, u)
		}
	}

	if len(halfOpen) > 0 {
		sort.Slice(halfOpen, func(i, j int) bool {
			return breaker.OldestOpenedAt(halfOpen[i]).Before(breaker.OldestOpenedAt(halfOpen[j]))
		})
		halfOpenOldest = halfOpen[0]
	}

	return closed, halfOpenOldest
}

// pick runs weighted round-robin across candidates with a tie-break on
// generation then lexical identity, per §4.2 step 2.
func (s *Selector) pick(snapshotVersion uint64, candidates []*domain.UpstreamRecord) *domain.UpstreamRecord {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Generation != candidates[j].Generation {
			return candidates[i].Generation < candidates[j].Generation
		}
		return candidates[i].Identity.String() < candidates[j].Identity.String()
	})

	if len(candidates) == 1 {
		return candidates[0]
	}

	cursor := s.cursorFor(snapshotVersion)
	idx := cursor.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func (s *Selector) cursorFor(version uint64) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[version]
	if !ok {
		c = &atomic.Uint64{}
		s.cursors[version] = c
		// Bound the map: drop every older version's cursor once a newer
		// snapshot shows up, since the old version can no longer be selected.
		for v := range s.cursors {
			if v < version {
				delete(s.cursors, v)
			}
		}
	}
	return c
}
