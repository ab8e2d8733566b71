package tunnel

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/core/ports"
)

type fakeAuthenticator struct {
	clientID string
	err      error
}

func (f *fakeAuthenticator) Authenticate(ports.AuthenticateRequest) (string, error) {
	return f.clientID, f.err
}

type fakeSelector struct {
	record *domain.UpstreamRecord
	err    error
}

func (f *fakeSelector) Select(ctx context.Context, clientID string, snapshot *domain.Snapshot, now time.Time) (*domain.UpstreamRecord, error) {
	return f.record, f.err
}

type fakePoolRegistry struct {
	outcomes chan bool
}

func (f *fakePoolRegistry) Current() *domain.Snapshot { return &domain.Snapshot{} }
func (f *fakePoolRegistry) Replace(ctx context.Context, proposed []domain.Identity) (*domain.Snapshot, error) {
	return &domain.Snapshot{}, nil
}
func (f *fakePoolRegistry) ReportResult(identity string, ok bool) {
	if f.outcomes != nil {
		f.outcomes <- ok
	}
}

type fakeStickyStore struct {
	invalidated chan string
}

func (f *fakeStickyStore) Lookup(clientID string, now time.Time) (domain.StickyBinding, bool) {
	return domain.StickyBinding{}, false
}
func (f *fakeStickyStore) Bind(clientID, upstreamID string, ttl time.Duration, now time.Time) {}
func (f *fakeStickyStore) Invalidate(clientID string) {
	if f.invalidated != nil {
		f.invalidated <- clientID
	}
}
func (f *fakeStickyStore) InvalidateUpstream(upstreamID string) {}

type fakeTunnelMetrics struct {
	results chan string
}

func (f *fakeTunnelMetrics) IncRequests(result string) {
	if f.results != nil {
		f.results <- result
	}
}
func (f *fakeTunnelMetrics) AddBytesUp(n int64)                        {}
func (f *fakeTunnelMetrics) AddBytesDown(n int64)                      {}
func (f *fakeTunnelMetrics) IncAuthFailures()                          {}
func (f *fakeTunnelMetrics) IncUpstreamFailures(upstream string)       {}
func (f *fakeTunnelMetrics) SetPoolSize(n int)                         {}
func (f *fakeTunnelMetrics) SetPoolHealthy(n int)                      {}
func (f *fakeTunnelMetrics) SetBreakerOpen(upstream string, open bool) {}
func (f *fakeTunnelMetrics) IncReloadParseErrors()                     {}

// startEchoUpstream accepts a single CONNECT handshake, replies 200, then
// echoes every byte it receives back to the caller.
func startEchoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

func upstreamRecordOnPort(port string) *domain.UpstreamRecord {
	return domain.NewUpstreamRecord(domain.Identity{Scheme: "http", Host: "127.0.0.1", Port: port}, 1)
}

func dialEngine(t *testing.T, engine *Engine) (net.Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	return conn, func() {
		cancel()
		_ = conn.Close()
		_ = ln.Close()
	}
}

func TestHandleConnect_RelaysBytesBothWays(t *testing.T) {
	upstreamPort := startEchoUpstream(t)
	record := upstreamRecordOnPort(upstreamPort)

	results := make(chan bool, 1)
	engine := New(
		&fakePoolRegistry{outcomes: results},
		&fakeSelector{record: record},
		&fakeStickyStore{},
		&fakeAuthenticator{clientID: "client-1"},
		&fakeTunnelMetrics{},
		Config{IdleTimeout: time.Second, ProbationWindow: 0},
		nil,
	)

	conn, cleanup := dialEngine(t, engine)
	defer cleanup()

	_, err := conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200")

	// drain the blank line terminating the CONNECT response headers
	_, _ = reader.ReadString('\n')

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := reader.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestHandleConn_AuthRejectedWritesProxyAuthRequired(t *testing.T) {
	engine := New(
		&fakePoolRegistry{},
		&fakeSelector{},
		&fakeStickyStore{},
		&fakeAuthenticator{err: assertAuthError{}},
		&fakeTunnelMetrics{},
		DefaultConfig(),
		nil,
	)

	conn, cleanup := dialEngine(t, engine)
	defer cleanup()

	_, err := conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "407")
}

func TestHandleConn_NoUpstreamAvailableReturns502(t *testing.T) {
	engine := New(
		&fakePoolRegistry{},
		&fakeSelector{err: domain.ErrNoUpstreamAvailable},
		&fakeStickyStore{},
		&fakeAuthenticator{clientID: "client-1"},
		&fakeTunnelMetrics{},
		DefaultConfig(),
		nil,
	)

	conn, cleanup := dialEngine(t, engine)
	defer cleanup()

	_, err := conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "502")
}

type assertAuthError struct{}

func (assertAuthError) Error() string { return "auth rejected" }
