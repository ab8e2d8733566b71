package domain

import "time"

// StickyBinding pins a client identity to an upstream identity for a bounded
// lifetime (§3). Upstreams are referenced by value (their Identity string),
// never by pointer, so a binding can never dangle across a hot reload (§9).
type StickyBinding struct {
	ClientID   string
	UpstreamID string
	ExpiresAt  time.Time
}

// Expired reports whether the binding's TTL has elapsed as of now.
func (b StickyBinding) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}
