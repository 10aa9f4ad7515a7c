// Package authstub stands in for spec.md's out-of-scope authentication
// component: it issues and verifies opaque session tokens that resolve to a
// user_id. Neither services/relay nor services/prekeys calls it: the relay
// attaches a device by its device_id query parameter alone, and the prekey
// directory's routes take no token.
package authstub

import (
	"errors"
	"time"

	"chai/internal/jwtsigner"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an issued session token remains valid.
const DefaultTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("authstub: invalid or expired session token")

// Issuer issues and verifies session tokens for one signing key.
type Issuer struct {
	signer *jwtsigner.Signer
}

// New wraps an already-constructed jwtsigner.Signer.
func New(signer *jwtsigner.Signer) *Issuer {
	return &Issuer{signer: signer}
}

// IssueSessionToken mints a token for userID, valid for ttl.
func (i *Issuer) IssueSessionToken(userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return i.signer.Sign(userID, ttl, nil)
}

// ResolveUserID verifies tokenStr and returns the user_id it was issued for.
func (i *Issuer) ResolveUserID(tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	_, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return i.signer.PublicKey(), nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
