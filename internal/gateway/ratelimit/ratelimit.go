// Package ratelimit provides a per-client-IP token-bucket middleware for the
// admin/dashboard HTTP surface, grounded on internal/adapter/security's
// RateLimitValidator (global + per-IP rate.Limiter buckets with periodic
// stale-entry cleanup), trimmed to the one thing the admin surface needs:
// protecting /api/* from being hammered by a misbehaving dashboard client.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerMinute = 120
	DefaultBurst             = 20
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultStaleAfter        = 10 * time.Minute
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter enforces a per-IP requests-per-minute budget.
type Limiter struct {
	perIPRate time.Duration
	burst     int
	staleAfter time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh chan struct{}
}

// New builds a Limiter allowing requestsPerMinute per client IP, bursting up
// to burst, and starts its stale-bucket cleanup goroutine.
func New(requestsPerMinute, burst int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	l := &Limiter{
		perIPRate:  time.Minute / time.Duration(requestsPerMinute),
		burst:      burst,
		staleAfter: DefaultStaleAfter,
		buckets:    make(map[string]*bucket),
		stopCh:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Middleware rejects requests over the per-IP budget with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.perIPRate), l.burst)}
		l.buckets[ip] = b
	}
	b.lastAccess = now
	limiter := b.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.staleAfter)
			l.mu.Lock()
			for ip, b := range l.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(l.buckets, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop halts the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
