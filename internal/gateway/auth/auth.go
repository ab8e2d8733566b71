// Package auth implements the Authenticator (§4.5): a time-bound HMAC token
// carried either as Proxy-Authorization: Basic or in the request-URI
// userinfo. Grounded on internal/adapter/security's validators for the
// shape of a pluggable Validate call, though the comparison itself is
// stdlib crypto/hmac + crypto/subtle.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/core/ports"
)

const DefaultClockSkewWindow = 300 * time.Second

// Authenticator validates client_id:timestamp:signature tokens (§4.5).
type Authenticator struct {
	secret     []byte
	skewWindow time.Duration
	enabled    bool
}

// New builds an Authenticator. When enabled is false, Authenticate always
// succeeds and derives client_id from the caller's remote address so
// stickiness still works (§4.5 last sentence).
func New(secret string, skewWindow time.Duration, enabled bool) *Authenticator {
	if skewWindow <= 0 {
		skewWindow = DefaultClockSkewWindow
	}
	return &Authenticator{secret: []byte(secret), skewWindow: skewWindow, enabled: enabled}
}

// Authenticate implements ports.Authenticator.
func (a *Authenticator) Authenticate(req ports.AuthenticateRequest) (string, error) {
	if !a.enabled {
		return req.RemoteAddr, nil
	}

	raw := req.ProxyAuthorizationHeader
	if raw == "" {
		raw = req.UserInfo
	}
	if raw == "" {
		return "", fmt.Errorf("missing proxy credentials")
	}

	token, err := parseToken(raw)
	if err != nil {
		return "", err
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	if err := a.validateTimestamp(token.Timestamp, now); err != nil {
		return "", err
	}

	if !a.validateSignature(token) {
		return "", fmt.Errorf("signature mismatch")
	}

	return token.ClientID, nil
}

// parseToken accepts either a "Basic <base64>" header value or a raw
// "user:pass" userinfo string, both decoding to client_id:timestamp:signature.
func parseToken(raw string) (domain.AuthToken, error) {
	payload := raw
	if strings.HasPrefix(strings.ToLower(raw), "basic ") {
		encoded := strings.TrimSpace(raw[len("Basic "):])
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return domain.AuthToken{}, fmt.Errorf("malformed basic auth: %w", err)
		}
		payload = string(decoded)
	}

	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		return domain.AuthToken{}, fmt.Errorf("malformed credentials: expected client_id:timestamp:signature")
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.AuthToken{}, fmt.Errorf("malformed timestamp: %w", err)
	}

	return domain.AuthToken{ClientID: parts[0], Timestamp: ts, SignatureHex: parts[2]}, nil
}

func (a *Authenticator) validateTimestamp(ts int64, now time.Time) error {
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > a.skewWindow {
		return fmt.Errorf("timestamp outside skew window")
	}
	return nil
}

// validateSignature compares in constant time with respect to the expected
// signature's length (§8: "HMAC validation is constant-time in signature
// length").
func (a *Authenticator) validateSignature(token domain.AuthToken) bool {
	expected := Sign(a.secret, token.ClientID, token.Timestamp)
	got, err := hex.DecodeString(token.SignatureHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, got) == 1
}

// Sign computes HMAC-SHA256(secret, client_id ∥ timestamp) as raw bytes.
func Sign(secret []byte, clientID string, timestamp int64) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(clientID))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return mac.Sum(nil)
}

// SignHex is the lowercase-hex form used when constructing tokens (tests,
// client tooling).
func SignHex(secret, clientID string, timestamp int64) string {
	return hex.EncodeToString(Sign([]byte(secret), clientID, timestamp))
}
