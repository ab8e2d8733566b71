// Package events carries upstream health transitions from the Health Prober
// to the admin surface's live event stream, decoupling the two via a
// generic pub/sub (pkg/eventbus), generalised here to one event type.
package events

import (
	"context"
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/pkg/eventbus"
)

// HealthTransition is published whenever the prober sets a new health state
// on an upstream.
type HealthTransition struct {
	Identity string             `json:"identity"`
	State    domain.HealthState `json:"state"`
	At       time.Time          `json:"at"`
}

// Bus is the process-wide health-transition event bus.
type Bus struct {
	inner *eventbus.EventBus[HealthTransition]
}

// NewBus builds a Bus with the eventbus package's default buffering/cleanup.
func NewBus() *Bus {
	return &Bus{inner: eventbus.New[HealthTransition]()}
}

// Publish is non-blocking: slow or absent subscribers never stall the prober.
func (b *Bus) Publish(t HealthTransition) {
	b.inner.PublishAsync(t)
}

// Subscribe returns a channel of transitions and a cleanup func, valid until
// ctx is cancelled or cleanup is called.
func (b *Bus) Subscribe(ctx context.Context) (<-chan HealthTransition, func()) {
	return b.inner.Subscribe(ctx)
}

// Shutdown stops the bus's background workers.
func (b *Bus) Shutdown() {
	b.inner.Shutdown()
}
