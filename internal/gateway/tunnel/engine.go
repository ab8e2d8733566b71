// Package tunnel implements the Tunnel Engine (§4.6): accepts a client
// connection, authenticates it, selects an upstream, performs the CONNECT or
// plain-HTTP handshake, and relays bytes in both directions. Grounded on the
// teacher's SherpaProxyService (internal/adapter/proxy/proxy.go) for its
// panic-recovery-per-session and structured-timeout idiom, generalised from
// an HTTP reverse proxy to a raw CONNECT/forward tunnel.
package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/core/ports"
	"github.com/pgproxy/gateway/internal/logger"
	pgpool "github.com/pgproxy/gateway/pkg/pool"
)

const (
	DefaultMaxHeaderBytes = 8 * 1024
	DefaultMaxHeaders     = 100
	DefaultIdleTimeout    = 120 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultProbationWindow = 2 * time.Second

	relayBufferSize = 32 * 1024
)

// relayBuffers reuses the per-direction copy buffers every tunnelled session
// needs, avoiding a 32KB allocation on every relay call under load.
var relayBuffers = pgpool.NewLitePool(func() *[]byte {
	b := make([]byte, relayBufferSize)
	return &b
})

var hopByHopHeaders = []string{
	"Connection", "Proxy-Authorization", "Proxy-Authenticate",
	"Keep-Alive", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config holds the engine's tunable parameters (§4.6).
type Config struct {
	MaxHeaderBytes  int
	MaxHeaders      int
	IdleTimeout     time.Duration
	DrainTimeout    time.Duration
	DialTimeout     time.Duration
	ProbationWindow time.Duration
}

// DefaultConfig returns the tunnel engine's default parameters.
func DefaultConfig() Config {
	return Config{
		MaxHeaderBytes:  DefaultMaxHeaderBytes,
		MaxHeaders:      DefaultMaxHeaders,
		IdleTimeout:     DefaultIdleTimeout,
		DrainTimeout:    DefaultDrainTimeout,
		DialTimeout:     DefaultDialTimeout,
		ProbationWindow: DefaultProbationWindow,
	}
}

// Engine is the Tunnel Engine.
type Engine struct {
	pool      ports.PoolRegistry
	selector  ports.Selector
	sticky    ports.StickyStore
	auth      ports.Authenticator
	metrics   ports.MetricsSink
	cfg       Config
	logger    *logger.StyledLogger
	dialer    net.Dialer
}

// New builds a Tunnel Engine.
func New(pool ports.PoolRegistry, sel ports.Selector, sticky ports.StickyStore, auth ports.Authenticator, metrics ports.MetricsSink, cfg Config, log *logger.StyledLogger) *Engine {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.MaxHeaders <= 0 {
		cfg.MaxHeaders = DefaultMaxHeaders
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ProbationWindow <= 0 {
		cfg.ProbationWindow = DefaultProbationWindow
	}
	return &Engine{
		pool:     pool,
		selector: sel,
		sticky:   sticky,
		auth:     auth,
		metrics:  metrics,
		cfg:      cfg,
		logger:   log,
		dialer:   net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Serve accepts connections from l until ctx is cancelled or l.Accept fails.
func (e *Engine) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go e.handleConn(ctx, conn)
	}
}

func (e *Engine) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if rec := recover(); rec != nil {
			if e.logger != nil {
				e.logger.Error("tunnel session panicked", "panic", rec)
			}
		}
	}()

	req, err := e.readBoundedRequest(conn)
	if err != nil {
		e.writeStatusLine(conn, 400, "Bad Request")
		if e.logger != nil {
			e.logger.Warn("malformed client request", "error", err, "remote", conn.RemoteAddr())
		}
		if e.metrics != nil {
			e.metrics.IncRequests("client_error")
		}
		return
	}

	clientID, err := e.authenticate(conn, req)
	if err != nil {
		e.writeAuthRejected(conn)
		if e.metrics != nil {
			e.metrics.IncAuthFailures()
			e.metrics.IncRequests("auth_rejected")
		}
		return
	}

	snapshot := e.pool.Current()
	record, err := e.selector.Select(ctx, clientID, snapshot, time.Now())
	if err != nil {
		e.writeStatusLine(conn, 502, "Bad Gateway")
		_, _ = io.WriteString(conn, "no upstream available")
		if e.metrics != nil {
			e.metrics.IncRequests("no_upstream")
		}
		return
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(ctx, conn, req, clientID, record)
		return
	}
	e.handlePlainHTTP(ctx, conn, req, clientID, record)
}

// readBoundedRequest parses the request line and headers within the bound
// (§4.6 step 1: ≤8KiB, ≤100 headers).
func (e *Engine) readBoundedRequest(conn net.Conn) (*http.Request, error) {
	bounded := &headerBoundReader{Conn: conn, limit: e.cfg.MaxHeaderBytes}
	br := bufio.NewReaderSize(bounded, e.cfg.MaxHeaderBytes)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}

	headerCount := 0
	for _, values := range req.Header {
		headerCount += len(values)
	}
	if headerCount > e.cfg.MaxHeaders {
		return nil, fmt.Errorf("too many headers: %d", headerCount)
	}

	req.RemoteAddr = conn.RemoteAddr().String()
	return req, nil
}

// headerBoundReader fails once more than limit bytes have been read before
// the end of the header section (a blank line) is observed.
type headerBoundReader struct {
	net.Conn
	limit int
	read  int
	done  bool
}

func (b *headerBoundReader) Read(p []byte) (int, error) {
	if b.done {
		return b.Conn.Read(p)
	}
	n, err := b.Conn.Read(p)
	b.read += n
	if bytes.Contains(p[:n], []byte("\r\n\r\n")) {
		b.done = true
	}
	if !b.done && b.read > b.limit {
		return n, fmt.Errorf("header section exceeds %d bytes", b.limit)
	}
	return n, err
}

func (e *Engine) authenticate(conn net.Conn, req *http.Request) (string, error) {
	userInfo := ""
	if req.URL != nil && req.URL.User != nil {
		userInfo = req.URL.User.String()
	}
	return e.auth.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: req.Header.Get("Proxy-Authorization"),
		UserInfo:                 userInfo,
		RemoteAddr:               conn.RemoteAddr().String(),
		Now:                      time.Now(),
	})
}

func (e *Engine) writeAuthRejected(conn net.Conn) {
	_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n")
	_, _ = io.WriteString(conn, `Proxy-Authenticate: Basic realm="proxy-guard"`+"\r\n")
	_, _ = io.WriteString(conn, "Content-Length: 0\r\n\r\n")
}

func (e *Engine) writeStatusLine(conn net.Conn, status int, text string) {
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n", status, text)
}

// handleConnect implements §4.6 step 4.
func (e *Engine) handleConnect(ctx context.Context, client net.Conn, req *http.Request, clientID string, record *domain.UpstreamRecord) {
	target := req.RequestURI
	identity := record.Identity.String()

	upstreamConn, err := e.dialer.DialContext(ctx, "tcp", record.Identity.DialAddress())
	if err != nil {
		e.writeStatusLine(client, 502, "Bad Gateway")
		e.reportOutcome(identity, false)
		if e.metrics != nil {
			e.metrics.IncRequests("dial_failure")
			e.metrics.IncUpstreamFailures(identity)
		}
		if e.logger != nil {
			e.logger.Warn("upstream dial failed", "phase", domain.PhaseDial, "client", clientID, "upstream", identity, "error", err)
		}
		return
	}
	defer upstreamConn.Close()

	connectReq := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n"
	if record.Identity.HasCredentials() {
		connectReq += "Proxy-Authorization: Basic " + basicAuth(record.Identity.Username, record.Identity.Password) + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := io.WriteString(upstreamConn, connectReq); err != nil {
		e.writeStatusLine(client, 502, "Bad Gateway")
		e.reportOutcome(identity, false)
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		e.writeStatusLine(client, 502, "Bad Gateway")
		e.reportOutcome(identity, false)
		if e.logger != nil {
			e.logger.Warn("upstream handshake failed", "phase", domain.PhaseHandshake, "client", clientID, "upstream", identity, "error", err)
		}
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := resp.StatusCode
		if status < 502 {
			status = 502
		}
		e.writeStatusLine(client, status, resp.Status)
		e.reportOutcome(identity, false)
		if e.metrics != nil {
			e.metrics.IncRequests("upstream_rejected")
			e.metrics.IncUpstreamFailures(identity)
		}
		return
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		e.reportOutcome(identity, false)
		return
	}

	started := time.Now()
	bytesUp, bytesDown := e.relay(ctx, client, upstreamReaderConn{upstreamReader, upstreamConn})

	ok := bytesDown > 0 || time.Since(started) >= e.cfg.ProbationWindow
	e.reportOutcome(identity, ok)
	if e.metrics != nil {
		result := "success"
		if !ok {
			result = "relay_failure"
		}
		e.metrics.IncRequests(result)
		e.metrics.AddBytesUp(bytesUp)
		e.metrics.AddBytesDown(bytesDown)
	}
	if !ok && e.sticky != nil {
		e.sticky.Invalidate(clientID)
	}
}

// handlePlainHTTP implements §4.6 step 5.
func (e *Engine) handlePlainHTTP(ctx context.Context, client net.Conn, req *http.Request, clientID string, record *domain.UpstreamRecord) {
	identity := record.Identity.String()

	rewriteAbsoluteURI(req)
	stripHopByHop(req.Header)
	if record.Identity.HasCredentials() {
		req.Header.Set("Proxy-Authorization", "Basic "+basicAuth(record.Identity.Username, record.Identity.Password))
	}

	upstreamConn, err := e.dialer.DialContext(ctx, "tcp", record.Identity.DialAddress())
	if err != nil {
		e.writeStatusLine(client, 502, "Bad Gateway")
		e.reportOutcome(identity, false)
		if e.metrics != nil {
			e.metrics.IncRequests("dial_failure")
			e.metrics.IncUpstreamFailures(identity)
		}
		return
	}
	defer upstreamConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = upstreamConn.SetWriteDeadline(deadline)
	}
	if err := req.WriteProxy(upstreamConn); err != nil {
		e.writeStatusLine(client, 502, "Bad Gateway")
		e.reportOutcome(identity, false)
		return
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		e.writeStatusLine(client, 502, "Bad Gateway")
		e.reportOutcome(identity, false)
		if e.logger != nil {
			e.logger.Warn("upstream response malformed", "phase", domain.PhaseHandshake, "client", clientID, "upstream", identity, "error", err)
		}
		return
	}
	defer resp.Body.Close()

	stripHopByHop(resp.Header)

	counter := &countingWriter{w: client}
	if err := resp.Write(counter); err != nil {
		e.reportOutcome(identity, counter.n > 0)
		return
	}
	bytesDown := counter.n

	e.reportOutcome(identity, true)
	if e.metrics != nil {
		e.metrics.IncRequests("success")
		e.metrics.AddBytesDown(bytesDown)
	}
}

func (e *Engine) reportOutcome(identity string, ok bool) {
	e.pool.ReportResult(identity, ok)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// upstreamReaderConn lets the relay's copy loop read through the bufio.Reader
// that may already hold look-ahead bytes from the CONNECT response line,
// while writes bypass it straight to the socket.
type upstreamReaderConn struct {
	*bufio.Reader
	net.Conn
}

func (u upstreamReaderConn) Read(p []byte) (int, error) { return u.Reader.Read(p) }

// relayConn is the surface the relay loop needs from the upstream side: a
// readable, writable, closable connection with deadline control.
type relayConn interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
}

// relay runs two independent copy loops (§4.6 step 6) with an idle-read
// deadline refreshed on every successful read, returning the byte counts in
// each direction. It returns once both directions have ended.
func (e *Engine) relay(ctx context.Context, client net.Conn, upstream relayConn) (bytesUp, bytesDown int64) {
	go func() {
		<-ctx.Done()
		_ = client.SetDeadline(time.Now())
		_ = upstream.SetDeadline(time.Now())
	}()

	upCh := make(chan int64, 1)
	downCh := make(chan int64, 1)

	go func() {
		n := idleCopy(upstream, client, e.cfg.IdleTimeout)
		upCh <- n
		_ = upstream.SetReadDeadline(time.Now())
	}()
	go func() {
		n := idleCopy(client, upstream, e.cfg.IdleTimeout)
		downCh <- n
		_ = client.SetReadDeadline(time.Now())
	}()

	bytesUp = <-upCh
	bytesDown = <-downCh
	return bytesUp, bytesDown
}

// deadlineReader is the minimal surface idleCopy needs from its source: both
// net.Conn and upstreamReaderConn satisfy it.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

// idleCopy copies from src to dst, resetting src's read deadline after every
// successful read, and returns the number of bytes copied.
func idleCopy(dst io.Writer, src deadlineReader, idle time.Duration) int64 {
	var total int64
	bufPtr := relayBuffers.Get()
	defer relayBuffers.Put(bufPtr)
	buf := *bufPtr
	for {
		_ = src.SetReadDeadline(time.Now().Add(idle))
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total
			}
		}
		if err != nil {
			return total
		}
	}
}

func rewriteAbsoluteURI(req *http.Request) {
	if req.URL.IsAbs() {
		req.RequestURI = ""
		return
	}
	if req.Host != "" {
		req.URL.Scheme = "http"
		req.URL.Host = req.Host
	}
	req.RequestURI = ""
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
