// Package app wires the gateway's components into a single runnable
// application: a constructor that builds every collaborator, and a
// Start/Stop lifecycle the entry point drives under signal-triggered
// cancellation.
package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pgproxy/gateway/internal/config"
	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/gateway/admin"
	"github.com/pgproxy/gateway/internal/gateway/auth"
	"github.com/pgproxy/gateway/internal/gateway/breaker"
	"github.com/pgproxy/gateway/internal/gateway/events"
	"github.com/pgproxy/gateway/internal/gateway/health"
	"github.com/pgproxy/gateway/internal/gateway/metrics"
	"github.com/pgproxy/gateway/internal/gateway/pool"
	"github.com/pgproxy/gateway/internal/gateway/reload"
	"github.com/pgproxy/gateway/internal/gateway/selector"
	"github.com/pgproxy/gateway/internal/gateway/sticky"
	"github.com/pgproxy/gateway/internal/gateway/tunnel"
	"github.com/pgproxy/gateway/internal/logger"
)

// Application owns every gateway component and their lifecycle.
type Application struct {
	cfg    *config.Config
	logger *logger.StyledLogger

	registry *pool.Registry
	sticky   *sticky.Map
	tunnel   *tunnel.Engine
	prober   *health.Prober
	watcher  *reload.Watcher
	sink     *metrics.Sink
	admin    *admin.Server
	events   *events.Bus

	proxyListener net.Listener
	errCh         chan error
}

// New builds an Application from cfg, constructing the Metrics Sink, event
// bus, Sticky Map, Pool Registry, breaker/selector, Authenticator, Tunnel
// Engine, Health Prober, Reload Watcher and admin surface, in that
// dependency order.
func New(cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	sink := metrics.New()
	eventsBus := events.NewBus()
	stickyMap := sticky.New()
	registry := pool.New(cfg.BreakerFailureThreshold, stickyMap, sink, log)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
		ProbationWindow:  cfg.BreakerProbationWindow,
	}
	sel := selector.New(stickyMap, breakerCfg, cfg.StickyTTL)
	authenticator := auth.New(cfg.Secret, cfg.ClockSkewWindow, cfg.EnableAuth)

	tunnelCfg := tunnel.Config{
		IdleTimeout:     cfg.TunnelIdleTimeout,
		DrainTimeout:    cfg.TunnelDrainTimeout,
		ProbationWindow: cfg.BreakerProbationWindow,
	}
	engine := tunnel.New(registry, sel, stickyMap, authenticator, sink, tunnelCfg, log)

	recordOutcome := func(record *domain.UpstreamRecord, ok bool, now time.Time) {
		breaker.RecordOutcome(record, breakerCfg, ok, now)
		sink.SetBreakerOpen(record.Identity.String(), breakerIsOpen(record))
	}
	prober := health.New(registry, sink, health.Config{
		Interval:    cfg.ProbeInterval,
		Timeout:     cfg.ProbeTimeout,
		Concurrency: cfg.ProbeConcurrency,
		CanaryHost:  cfg.ProbeCanaryHost,
	}, log, recordOutcome, eventsBus)

	watcher, err := reload.New(cfg.ProxyFile, registry, sink, log)
	if err != nil {
		return nil, fmt.Errorf("build reload watcher: %w", err)
	}

	adminAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	adminServer := admin.New(adminAddr, registry, sink, eventsBus, log)

	return &Application{
		cfg:      cfg,
		logger:   log,
		registry: registry,
		sticky:   stickyMap,
		tunnel:   engine,
		prober:   prober,
		watcher:  watcher,
		sink:     sink,
		admin:    adminServer,
		events:   eventsBus,
		errCh:    make(chan error, 4),
	}, nil
}

func breakerIsOpen(record *domain.UpstreamRecord) bool {
	sub, _ := record.Breaker().Snapshot()
	return sub == domain.BreakerOpen
}

// Start brings up every component: the proxy listener and tunnel engine, the
// health prober, the reload watcher, and the admin surface. It returns once
// everything has started; failures after that point arrive on the internal
// error channel and are logged, a fire-and-log pattern for background
// goroutines.
func (a *Application) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.ProxyPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.proxyListener = l

	go func() {
		if err := a.tunnel.Serve(ctx, l); err != nil {
			a.logger.Error("tunnel engine stopped", "error", err)
			a.errCh <- err
		}
	}()
	a.logger.InfoWithUpstream("proxy listening", addr)

	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start reload watcher: %w", err)
	}

	go func() {
		if err := a.prober.Start(ctx); err != nil {
			a.logger.Error("health prober stopped", "error", err)
			a.errCh <- err
		}
	}()

	go func() {
		if err := a.admin.Start(); err != nil {
			a.logger.Error("admin surface stopped", "error", err)
			a.errCh <- err
		}
	}()

	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("component failure", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	return nil
}

// Stop shuts down the admin surface, health prober and reload watcher, stops
// the sticky map's scan and the event bus, and finally closes the proxy
// listener. In-flight tunnel sessions end through the context passed to Start.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.TunnelDrainTimeout)
	defer cancel()

	if err := a.admin.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("admin surface shutdown error", "error", err)
	}
	if err := a.prober.Stop(shutdownCtx); err != nil {
		a.logger.Error("health prober stop error", "error", err)
	}
	if err := a.watcher.Stop(shutdownCtx); err != nil {
		a.logger.Error("reload watcher stop error", "error", err)
	}
	a.sticky.Stop()
	a.events.Shutdown()

	if a.proxyListener != nil {
		if err := a.proxyListener.Close(); err != nil {
			return fmt.Errorf("close proxy listener: %w", err)
		}
	}
	return nil
}
