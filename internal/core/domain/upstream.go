// Package domain holds the gateway's core value types: upstream records,
// pool snapshots, breaker and health state, sticky bindings and auth tokens.
package domain

import (
	"fmt"
	"net/url"
	"sync"
)

// HealthState is the coarse routability signal the prober assigns an upstream.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// BreakerSubstate is the circuit breaker's state machine position.
type BreakerSubstate string

const (
	BreakerClosed   BreakerSubstate = "closed"
	BreakerOpen     BreakerSubstate = "open"
	BreakerHalfOpen BreakerSubstate = "half-open"
)

// Identity is the immutable key of an upstream: scheme+host+port+credentials.
// Two records with the same Identity are considered duplicates by the Pool
// Registry's replace operation.
type Identity struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// String renders a canonical, deduplication-safe identity string. It never
// includes the password so it is safe to log.
func (id Identity) String() string {
	if id.Username != "" {
		return fmt.Sprintf("%s://%s@%s:%s", id.Scheme, id.Username, id.Host, id.Port)
	}
	return fmt.Sprintf("%s://%s:%s", id.Scheme, id.Host, id.Port)
}

// DialAddress is the host:port this upstream is dialed on.
func (id Identity) DialAddress() string {
	return id.Host + ":" + id.Port
}

// HasCredentials reports whether upstream-side Basic auth should be synthesized.
func (id Identity) HasCredentials() bool {
	return id.Username != "" || id.Password != ""
}

// UpstreamRecord is an immutable endpoint plus its mutable health/breaker
// state. Endpoint fields never change after construction; a replacement is
// always a new record sharing the same Identity (§3).
type UpstreamRecord struct {
	Identity   Identity
	Generation uint64

	health *healthBox
	breaker *BreakerState
}

// NewUpstreamRecord builds a record starting in Unknown health and a closed
// breaker, as required for records freshly added by a hot reload (§4.4).
func NewUpstreamRecord(id Identity, generation uint64) *UpstreamRecord {
	return &UpstreamRecord{
		Identity:   id,
		Generation: generation,
		health:     newHealthBox(HealthUnknown),
		breaker:    NewBreakerState(),
	}
}

// Health returns the current health state.
func (r *UpstreamRecord) Health() HealthState {
	return r.health.load()
}

// SetHealth updates the health state. Safe for concurrent use.
func (r *UpstreamRecord) SetHealth(h HealthState) {
	r.health.store(h)
}

// Breaker returns the record's breaker state machine.
func (r *UpstreamRecord) Breaker() *BreakerState {
	return r.breaker
}

// Eligible reports whether the record may be handed out by the Selector
// (§4.2): health in {Healthy, Unknown} and breaker in {Closed, HalfOpen}.
func (r *UpstreamRecord) Eligible() bool {
	h := r.Health()
	if h != HealthHealthy && h != HealthUnknown {
		return false
	}
	sub, _ := r.breaker.Snapshot()
	return sub == BreakerClosed || sub == BreakerHalfOpen
}

// URL reconstructs the upstream's dial URL (without embedded credentials —
// those are carried separately and synthesized into a Proxy-Authorization
// header, never placed in a URL that might be logged).
func (r *UpstreamRecord) URL() *url.URL {
	return &url.URL{Scheme: r.Identity.Scheme, Host: r.Identity.DialAddress()}
}

type healthBox struct {
	mu    sync.RWMutex
	state HealthState
}

func newHealthBox(initial HealthState) *healthBox {
	return &healthBox{state: initial}
}

func (b *healthBox) load() HealthState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *healthBox) store(h HealthState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = h
}
