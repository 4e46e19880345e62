package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_UserTokenRoundTrip(t *testing.T) {
	iss := NewSignalIssuer("secret", time.Hour)
	tok, err := iss.UserToken("u1", "alice")
	require.NoError(t, err)

	claims, err := iss.ParseUser(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestIssuer_RejectsForeignAndExpired(t *testing.T) {
	signal := NewSignalIssuer("secret", time.Hour)
	relay := NewRelayIssuer("secret", time.Hour)

	tok, err := relay.RelayToken("u1", "R1")
	require.NoError(t, err)
	_, err = signal.ParseUser(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "relay token must not pass as a signaling token")

	other := NewRelayIssuer("other", time.Hour)
	_, err = other.ParseRelay(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewRelayIssuer("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.RelayToken("u1", "R1")
	require.NoError(t, err)
	_, err = relay.ParseRelay(old)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_NoSecret(t *testing.T) {
	iss := NewRelayIssuer("", time.Hour)
	_, err := iss.RelayToken("u1", "R1")
	assert.ErrorIs(t, err, ErrNoSecret)
}
