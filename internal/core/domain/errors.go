package domain

import "fmt"

// ErrorPhase names the stage of request handling an error occurred in, so
// logs can carry structured context (§7: "phase, client_id, upstream").
type ErrorPhase string

const (
	PhaseAuth       ErrorPhase = "auth"
	PhaseSelect     ErrorPhase = "select"
	PhaseDial       ErrorPhase = "dial"
	PhaseHandshake  ErrorPhase = "handshake"
	PhaseRelay      ErrorPhase = "relay"
	PhaseParse      ErrorPhase = "parse"
	PhaseReload     ErrorPhase = "reload"
	PhaseProbe      ErrorPhase = "probe"
)

// SessionError carries the structured context every session-local error must
// keep, per §7's propagation policy: session errors never leak across
// sessions, but each one is logged with phase/client/upstream.
type SessionError struct {
	Phase    ErrorPhase
	ClientID string
	Upstream string
	Status   int // HTTP status to return to the client, 0 if none applies
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: client=%s upstream=%s: %v", e.Phase, e.ClientID, e.Upstream, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func NewAuthRejected(clientID string, err error) *SessionError {
	return &SessionError{Phase: PhaseAuth, ClientID: clientID, Status: 407, Err: err}
}

func NewNoUpstreamAvailable(clientID string) *SessionError {
	return &SessionError{Phase: PhaseSelect, ClientID: clientID, Status: 502, Err: fmt.Errorf("no upstream available")}
}

func NewUpstreamDialFailure(clientID, upstream string, err error) *SessionError {
	return &SessionError{Phase: PhaseDial, ClientID: clientID, Upstream: upstream, Status: 502, Err: err}
}

func NewUpstreamHandshakeFailure(clientID, upstream string, status int, err error) *SessionError {
	if status < 502 {
		status = 502
	}
	return &SessionError{Phase: PhaseHandshake, ClientID: clientID, Upstream: upstream, Status: status, Err: err}
}

func NewClientProtocolError(clientID string, err error) *SessionError {
	return &SessionError{Phase: PhaseParse, ClientID: clientID, Status: 400, Err: err}
}

func NewRelayAborted(clientID, upstream string, err error) *SessionError {
	return &SessionError{Phase: PhaseRelay, ClientID: clientID, Upstream: upstream, Err: err}
}

// ReloadParseError is non-fatal: the current snapshot is left unchanged,
// the error surfaces as a metric and a log record (§4.7, §7).
type ReloadParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ReloadParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("reload: %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("reload: %s: %v", e.Path, e.Err)
}

func (e *ReloadParseError) Unwrap() error { return e.Err }

// ConfigInvalid is fatal at startup (§7): invalid static config or a listener
// bind failure.
type ConfigInvalid struct {
	Field string
	Err   error
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %v", e.Field, e.Err)
}

func (e *ConfigInvalid) Unwrap() error { return e.Err }

// ErrNoUpstreamAvailable is the sentinel the Selector returns so callers can
// errors.Is against it without constructing a SessionError.
var ErrNoUpstreamAvailable = fmt.Errorf("no upstream available")
