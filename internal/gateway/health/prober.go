// Package health implements the Health Prober (§4.4): a periodic canary
// CONNECT probe per upstream, bounded in concurrency. Grounded on
// internal/adapter/health/checker.go's HTTPHealthChecker worker-pool shape,
// generalised to a CONNECT canary since this gateway proxies raw tunnels
// rather than HTTP APIs, and to use errgroup.SetLimit in place of its
// hand-rolled job-channel workers.
package health

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/core/ports"
	"github.com/pgproxy/gateway/internal/gateway/events"
	"github.com/pgproxy/gateway/internal/logger"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 8
	DefaultCanaryHost  = "www.google.com:443"
)

// Config holds the prober's tunable parameters (§4.4).
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	CanaryHost  string
}

// DefaultConfig returns the prober's default parameters.
func DefaultConfig() Config {
	return Config{
		Interval:    DefaultInterval,
		Timeout:     DefaultTimeout,
		Concurrency: DefaultConcurrency,
		CanaryHost:  DefaultCanaryHost,
	}
}

// Prober periodically probes every upstream in the current pool snapshot.
type Prober struct {
	registry      ports.PoolRegistry
	metrics       ports.MetricsSink
	cfg           Config
	logger        *logger.StyledLogger
	dialer        net.Dialer
	recordOutcome func(*domain.UpstreamRecord, bool, time.Time)
	events        *events.Bus

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Prober. recordOutcome is called with each probe's boolean
// result so the caller's breaker.Config can be closed over without this
// package importing the breaker package (it depends on ports, domain,
// events and logger only). bus may be nil, in which case health transitions are not
// published anywhere.
func New(registry ports.PoolRegistry, metrics ports.MetricsSink, cfg Config, log *logger.StyledLogger, recordOutcome func(*domain.UpstreamRecord, bool, time.Time), bus *events.Bus) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CanaryHost == "" {
		cfg.CanaryHost = DefaultCanaryHost
	}
	return &Prober{
		registry:      registry,
		metrics:       metrics,
		cfg:           cfg,
		logger:        log,
		recordOutcome: recordOutcome,
		events:        bus,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is cancelled or Stop is called (§4.4).
func (p *Prober) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer close(p.doneCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// Stop signals the probe loop to exit and waits for it to finish.
func (p *Prober) Stop(ctx context.Context) error {
	close(p.stopCh)
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	snapshot := p.registry.Current()
	if snapshot == nil || len(snapshot.Upstreams) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	var healthy atomic.Int64
	for _, record := range snapshot.Upstreams {
		record := record
		g.Go(func() error {
			if p.probe(gctx, record) {
				healthy.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.metrics != nil {
		p.metrics.SetPoolSize(len(snapshot.Upstreams))
		p.metrics.SetPoolHealthy(int(healthy.Load()))
	}
}

// probe performs a single canary CONNECT handshake against the upstream and
// updates its health state and breaker (§4.4: new records start Unknown;
// Healthy/Unhealthy are derived from probe success).
func (p *Prober) probe(ctx context.Context, record *domain.UpstreamRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ok, err := p.dialAndConnect(ctx, record)
	now := time.Now()

	previous := record.Health()
	var next domain.HealthState
	if ok {
		next = domain.HealthHealthy
		record.SetHealth(next)
	} else {
		next = domain.HealthUnhealthy
		record.SetHealth(next)
		if p.logger != nil {
			p.logger.Warn("upstream probe failed",
				"upstream", record.Identity.String(),
				"error", err)
		}
	}
	if p.events != nil && next != previous {
		p.events.Publish(events.HealthTransition{
			Identity: record.Identity.String(),
			State:    next,
			At:       now,
		})
	}

	if p.recordOutcome != nil {
		p.recordOutcome(record, ok, now)
	}
	if !ok && p.metrics != nil {
		p.metrics.IncUpstreamFailures(record.Identity.String())
	}
	return ok
}

func (p *Prober) dialAndConnect(ctx context.Context, record *domain.UpstreamRecord) (bool, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", record.Identity.DialAddress())
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", p.cfg.CanaryHost, p.cfg.CanaryHost)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false, fmt.Errorf("write canary request: %w", err)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return false, fmt.Errorf("read canary response: %w", err)
	}
	status := string(buf[:n])
	if len(status) < len("HTTP/1.1 200") {
		return false, fmt.Errorf("short canary response: %q", status)
	}
	// A responding TCP endpoint, even one that rejects the canary CONNECT with
	// 4xx/5xx, is still routable. Only a dial, write or read error, or a first
	// read shorter than "HTTP/1.1 200", marks it Unhealthy.
	return true, nil
}
