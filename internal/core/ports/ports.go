// Package ports declares the seams between the gateway's core (pool,
// selector, tunnel engine) and the collaborators §1 places out of scope:
// configuration loading, metrics export, dashboard rendering and logging
// setup.
package ports

import (
	"context"
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
)

// PoolRegistry owns the current pool snapshot (§4.1).
type PoolRegistry interface {
	Current() *domain.Snapshot
	Replace(ctx context.Context, proposed []domain.Identity) (*domain.Snapshot, error)
	ReportResult(identity string, ok bool)
}

// Selector picks an upstream for a request (§4.2).
type Selector interface {
	Select(ctx context.Context, clientID string, snapshot *domain.Snapshot, now time.Time) (*domain.UpstreamRecord, error)
}

// StickyStore is the Sticky Map's interface (§4.8).
type StickyStore interface {
	Lookup(clientID string, now time.Time) (domain.StickyBinding, bool)
	Bind(clientID, upstreamID string, ttl time.Duration, now time.Time)
	Invalidate(clientID string)
	InvalidateUpstream(upstreamID string)
}

// Authenticator validates inbound proxy credentials (§4.5).
type Authenticator interface {
	Authenticate(r AuthenticateRequest) (clientID string, err error)
}

// AuthenticateRequest carries just what the Authenticator needs, decoupling
// it from net/http so it is independently unit-testable.
type AuthenticateRequest struct {
	ProxyAuthorizationHeader string
	UserInfo                 string // non-empty if credentials were in the request-URI
	RemoteAddr               string
	Now                      time.Time
}

// MetricsSink is the in-core counters/gauges feed (§2, §6). The concrete
// exporter (Prometheus HTTP endpoint) lives outside the core per §1.
type MetricsSink interface {
	IncRequests(result string)
	AddBytesUp(n int64)
	AddBytesDown(n int64)
	IncAuthFailures()
	IncUpstreamFailures(upstream string)
	SetPoolSize(n int)
	SetPoolHealthy(n int)
	SetBreakerOpen(upstream string, open bool)
	IncReloadParseErrors()
}

// ReloadWatcher observes the proxy file and submits parsed changes to the
// Pool Registry (§4.7).
type ReloadWatcher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
