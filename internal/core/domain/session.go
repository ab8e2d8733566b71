package domain

import (
	"net"
	"time"
)

// TunnelSession is the ephemeral state of one proxied connection, owned
// exclusively by the Tunnel Engine for the session's lifetime (§3).
type TunnelSession struct {
	ClientConn   net.Conn
	UpstreamConn net.Conn
	UpstreamID   string
	ClientID     string
	Target       string
	StartedAt    time.Time
	BytesUp      int64
	BytesDown    int64
}

// Duration reports how long the session has been open.
func (s *TunnelSession) Duration() time.Duration {
	return time.Since(s.StartedAt)
}
