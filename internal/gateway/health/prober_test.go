package health

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/gateway/events"
)

type fakeRegistry struct {
	snapshot *domain.Snapshot
}

func (f *fakeRegistry) Current() *domain.Snapshot { return f.snapshot }
func (f *fakeRegistry) Replace(ctx context.Context, proposed []domain.Identity) (*domain.Snapshot, error) {
	return f.snapshot, nil
}
func (f *fakeRegistry) ReportResult(identity string, ok bool) {}

type fakeMetrics struct {
	mu          sync.Mutex
	poolSize    int
	poolHealthy int
}

func (f *fakeMetrics) IncRequests(result string)              {}
func (f *fakeMetrics) AddBytesUp(n int64)                      {}
func (f *fakeMetrics) AddBytesDown(n int64)                    {}
func (f *fakeMetrics) IncAuthFailures()                        {}
func (f *fakeMetrics) IncUpstreamFailures(upstream string)     {}
func (f *fakeMetrics) SetBreakerOpen(upstream string, open bool) {}
func (f *fakeMetrics) IncReloadParseErrors()                   {}
func (f *fakeMetrics) SetPoolSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolSize = n
}
func (f *fakeMetrics) SetPoolHealthy(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolHealthy = n
}

func startCanaryListener(t *testing.T, respond bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 512)
				_, _ = c.Read(buf)
				if respond {
					_, _ = c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
				}
			}(conn)
		}
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

func upstreamOnPort(port string) *domain.UpstreamRecord {
	return domain.NewUpstreamRecord(domain.Identity{Scheme: "http", Host: "127.0.0.1", Port: port}, 1)
}

func TestProbe_HealthyOnResponsiveUpstream(t *testing.T) {
	port := startCanaryListener(t, true)
	record := upstreamOnPort(port)
	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{record}}

	var recordedOK bool
	p := New(&fakeRegistry{snapshot: snapshot}, &fakeMetrics{}, Config{Timeout: time.Second}, nil,
		func(r *domain.UpstreamRecord, ok bool, now time.Time) { recordedOK = ok }, nil)

	p.runOnce(context.Background())

	assert.Equal(t, domain.HealthHealthy, record.Health())
	assert.True(t, recordedOK)
}

func TestProbe_UnhealthyWhenUnreachable(t *testing.T) {
	// Port 0 on an address nothing listens on; pick an unused high port instead
	// so the dial itself fails fast with connection refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close()) // free the port, nothing listens anymore

	record := upstreamOnPort(port)
	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{record}}

	var recordedOK bool
	p := New(&fakeRegistry{snapshot: snapshot}, &fakeMetrics{}, Config{Timeout: time.Second}, nil,
		func(r *domain.UpstreamRecord, ok bool, now time.Time) { recordedOK = ok }, nil)

	p.runOnce(context.Background())

	assert.Equal(t, domain.HealthUnhealthy, record.Health())
	assert.False(t, recordedOK)
}

func TestProbe_PublishesEventOnHealthTransition(t *testing.T) {
	port := startCanaryListener(t, true)
	record := upstreamOnPort(port)
	require.Equal(t, domain.HealthUnknown, record.Health())
	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{record}}

	bus := events.NewBus()
	defer bus.Shutdown()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsubscribe := bus.Subscribe(ctx)
	defer unsubscribe()

	p := New(&fakeRegistry{snapshot: snapshot}, &fakeMetrics{}, Config{Timeout: time.Second}, nil, nil, bus)
	p.runOnce(context.Background())

	select {
	case transition := <-ch:
		assert.Equal(t, domain.HealthHealthy, transition.State)
		assert.True(t, strings.Contains(transition.Identity, "127.0.0.1"))
	case <-time.After(time.Second):
		t.Fatal("expected a health transition event")
	}
}

func TestProbe_NoEventWhenHealthUnchanged(t *testing.T) {
	port := startCanaryListener(t, true)
	record := upstreamOnPort(port)
	record.SetHealth(domain.HealthHealthy) // already healthy, probe result won't change it
	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{record}}

	bus := events.NewBus()
	defer bus.Shutdown()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsubscribe := bus.Subscribe(ctx)
	defer unsubscribe()

	p := New(&fakeRegistry{snapshot: snapshot}, &fakeMetrics{}, Config{Timeout: time.Second}, nil, nil, bus)
	p.runOnce(context.Background())

	select {
	case <-ch:
		t.Fatal("expected no event when health state does not change")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDefaultConfig_FillsZeroValues(t *testing.T) {
	p := New(&fakeRegistry{snapshot: &domain.Snapshot{}}, nil, Config{}, nil, nil, nil)
	assert.Equal(t, DefaultInterval, p.cfg.Interval)
	assert.Equal(t, DefaultTimeout, p.cfg.Timeout)
	assert.Equal(t, DefaultConcurrency, p.cfg.Concurrency)
	assert.Equal(t, DefaultCanaryHost, p.cfg.CanaryHost)
}
