package authstub

import (
	"testing"
	"time"

	"chai/internal/jwtsigner"

	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	signer, err := jwtsigner.NewFromBase64("", "test-kid", "chai")
	require.NoError(t, err)
	return New(signer)
}

func TestIssueAndResolveRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.IssueSessionToken("user-123", time.Hour)
	require.NoError(t, err)

	userID, err := issuer.ResolveUserID(token)
	require.NoError(t, err)
	require.Equal(t, "user-123", userID)
}

func TestResolveRejectsTamperedToken(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.IssueSessionToken("user-123", time.Hour)
	require.NoError(t, err)

	tampered := token[:len(token)-1] + "x"
	_, err = issuer.ResolveUserID(tampered)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.IssueSessionToken("user-123", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = issuer.ResolveUserID(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueDefaultsTTLWhenNonPositive(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.IssueSessionToken("user-123", 0)
	require.NoError(t, err)
	_, err = issuer.ResolveUserID(token)
	require.NoError(t, err)
}
