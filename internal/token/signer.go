// internal/token/signer.go
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/contentforge/editor-lti/internal/keys"
)

// ClaimSigner mints the asymmetrically signed, short-lived claims used inside
// the federated embed handshake. Every claim carries the tool's key id so the
// counterparty can pick the right key from our published key set.
type ClaimSigner struct {
	Keys *keys.Directory
	Now  func() time.Time
}

// DefaultClaimTTL is deliberately tight: a signed claim only has to survive
// one browser redirect.
const DefaultClaimTTL = 15 * time.Second

// Sign stamps iat/exp onto claims and signs them RS256 with the tool's own
// key. A non-positive ttl selects DefaultClaimTTL.
func (s *ClaimSigner) Sign(claims jwt.MapClaims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	priv, kid, err := s.Keys.OwnKey()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	return tok.SignedString(priv)
}
