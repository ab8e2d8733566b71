// Package sticky implements the Sticky Map (§4.8): a client_id → upstream
// binding with TTL eviction, grounded on internal/adapter/registry's
// sync.Map-based per-key circuit breaker state and its periodic cleanupLoop.
package sticky

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pgproxy/gateway/internal/core/domain"
)

const ScanInterval = time.Minute

// Map is the gateway's Sticky Map. Lock-striped via xsync.Map so lookups
// never contend a single global mutex on the hot I/O path (§5).
type Map struct {
	bindings *xsync.Map[string, domain.StickyBinding]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an empty sticky map and starts its periodic eviction scan.
func New() *Map {
	m := &Map{
		bindings: xsync.NewMap[string, domain.StickyBinding](),
		stopCh:   make(chan struct{}),
	}
	go m.scanLoop()
	return m
}

// Lookup returns the binding for clientID if present and not expired.
// Expired bindings are evicted lazily here (§4.8).
func (m *Map) Lookup(clientID string, now time.Time) (domain.StickyBinding, bool) {
	b, ok := m.bindings.Load(clientID)
	if !ok {
		return domain.StickyBinding{}, false
	}
	if b.Expired(now) {
		m.bindings.Delete(clientID)
		return domain.StickyBinding{}, false
	}
	return b, true
}

// Bind writes or refreshes the binding for clientID. ttl<=0 is a no-op since
// stickiness is disabled entirely when TTL=0 (§3).
func (m *Map) Bind(clientID, upstreamID string, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}
	m.bindings.Store(clientID, domain.StickyBinding{
		ClientID:   clientID,
		UpstreamID: upstreamID,
		ExpiresAt:  now.Add(ttl),
	})
}

// Invalidate removes clientID's binding, e.g. after a failed session (§4.6
// step 7, §4.8 rule c).
func (m *Map) Invalidate(clientID string) {
	m.bindings.Delete(clientID)
}

// InvalidateUpstream removes every binding pointing at upstreamID — called
// when the upstream disappears from the snapshot or its breaker opens
// (§4.8 rules a/b).
func (m *Map) InvalidateUpstream(upstreamID string) {
	m.bindings.Range(func(clientID string, b domain.StickyBinding) bool {
		if b.UpstreamID == upstreamID {
			m.bindings.Delete(clientID)
		}
		return true
	})
}

// Stop halts the periodic scan goroutine.
func (m *Map) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Map) scanLoop() {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.bindings.Range(func(clientID string, b domain.StickyBinding) bool {
				if b.Expired(now) {
					m.bindings.Delete(clientID)
				}
				return true
			})
		}
	}
}
