package auth

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgproxy/gateway/internal/core/ports"
)

func basicEncode(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

const testSecret = "test-secret"

func validToken(now time.Time, clientID string) string {
	ts := now.Unix()
	sig := SignHex(testSecret, clientID, ts)
	return fmt.Sprintf("%s:%d:%s", clientID, ts, sig)
}

func TestAuthenticate_DisabledAlwaysSucceeds(t *testing.T) {
	a := New(testSecret, 0, false)
	clientID, err := a.Authenticate(ports.AuthenticateRequest{RemoteAddr: "1.2.3.4:5555"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:5555", clientID)
}

func TestAuthenticate_ValidRawTokenInHeader(t *testing.T) {
	a := New(testSecret, 0, true)
	now := time.Now()
	token := validToken(now, "client-1")

	clientID, err := a.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: token,
		Now:                      now,
	})
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
}

func TestAuthenticate_MissingCredentialsRejected(t *testing.T) {
	a := New(testSecret, 0, true)
	_, err := a.Authenticate(ports.AuthenticateRequest{Now: time.Now()})
	assert.Error(t, err)
}

func TestAuthenticate_BadSignatureRejected(t *testing.T) {
	a := New(testSecret, 0, true)
	now := time.Now()
	token := fmt.Sprintf("client-1:%d:%s", now.Unix(), "deadbeef")

	_, err := a.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: token,
		Now:                      now,
	})
	assert.Error(t, err)
}

func TestAuthenticate_TamperedClientIDRejected(t *testing.T) {
	a := New(testSecret, 0, true)
	now := time.Now()
	token := validToken(now, "client-1")
	tampered := "client-2" + token[len("client-1"):]

	_, err := a.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: tampered,
		Now:                      now,
	})
	assert.Error(t, err)
}

func TestAuthenticate_OutsideSkewWindowRejected(t *testing.T) {
	a := New(testSecret, 10*time.Second, true)
	now := time.Now()
	token := validToken(now.Add(-time.Minute), "client-1")

	_, err := a.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: token,
		Now:                      now,
	})
	assert.Error(t, err)
}

func TestAuthenticate_WithinSkewWindowAccepted(t *testing.T) {
	a := New(testSecret, time.Minute, true)
	now := time.Now()
	token := validToken(now.Add(-30*time.Second), "client-1")

	clientID, err := a.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: token,
		Now:                      now,
	})
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
}

func TestAuthenticate_FallsBackToUserInfo(t *testing.T) {
	a := New(testSecret, 0, true)
	now := time.Now()
	token := validToken(now, "client-1")

	clientID, err := a.Authenticate(ports.AuthenticateRequest{
		UserInfo: token,
		Now:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
}

func TestAuthenticate_BasicPrefixDecodesFromBase64(t *testing.T) {
	a := New(testSecret, 0, true)
	now := time.Now()
	raw := validToken(now, "client-1")
	encoded := basicEncode(raw)

	clientID, err := a.Authenticate(ports.AuthenticateRequest{
		ProxyAuthorizationHeader: "Basic " + encoded,
		Now:                      now,
	})
	require.NoError(t, err)
	assert.Equal(t, "client-1", clientID)
}
