// internal/token/capability.go
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessRight is the right a capability token grants on one content entity.
type AccessRight string

const (
	RightRead  AccessRight = "read"
	RightWrite AccessRight = "write"
)

// Capability is the verified payload of a capability token.
type Capability struct {
	EntityID    int64
	AccessRight AccessRight
}

// ErrInvalidToken is the single outcome for every verification failure
// (bad signature, expired, malformed). Callers must not tell the end user
// which one it was.
var ErrInvalidToken = errors.New("token: invalid capability token")

const capabilityTTL = 3 * 24 * time.Hour

// Minter mints and verifies the symmetric tokens of the tool: capability
// tokens granting entity access and the session token handed to the editor
// UI at launch time.
type Minter struct {
	Secret []byte
	Now    func() time.Time // tests override
}

func NewMinter(secret string) *Minter {
	return &Minter{
		Secret: []byte(secret),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type capabilityClaims struct {
	EntityID    int64  `json:"entityId"`
	AccessRight string `json:"accessRight"`
	jwt.RegisteredClaims
}

// MintCapability signs {entityId, accessRight} with a 3-day absolute expiry.
func (m *Minter) MintCapability(entityID int64, right AccessRight) (string, error) {
	now := m.Now()
	claims := capabilityClaims{
		EntityID:    entityID,
		AccessRight: string(right),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(capabilityTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Secret)
}

// VerifyCapability checks signature and expiry. Any failure collapses into
// ErrInvalidToken.
func (m *Minter) VerifyCapability(raw string) (Capability, error) {
	claims := &capabilityClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.Secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.Now),
	)
	if err != nil || !tok.Valid {
		return Capability{}, ErrInvalidToken
	}
	right := AccessRight(claims.AccessRight)
	if right != RightRead && right != RightWrite {
		return Capability{}, ErrInvalidToken
	}
	return Capability{EntityID: claims.EntityID, AccessRight: right}, nil
}
