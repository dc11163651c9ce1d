// internal/token/session.go
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the launch context the editor UI carries back on every request
// (the "ltik" query parameter). It lets /embed/start and /embed/get recover
// the issuer and the platform-supplied custom claims without another launch.
type Session struct {
	Issuer  string         `json:"iss"`
	Subject string         `json:"sub,omitempty"`
	Custom  map[string]any `json:"custom,omitempty"`
	jwt.RegisteredClaims
}

const sessionTTL = 24 * time.Hour

// MintSession signs the launch context with the tool's symmetric key.
func (m *Minter) MintSession(issuer, subject string, custom map[string]any) (string, error) {
	now := m.Now()
	claims := Session{
		Issuer:  issuer,
		Subject: subject,
		Custom:  custom,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Secret)
}

// VerifySession checks signature and expiry; failures collapse into
// ErrInvalidToken like capability tokens.
func (m *Minter) VerifySession(raw string) (Session, error) {
	claims := &Session{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.Secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.Now),
	)
	if err != nil || !tok.Valid {
		return Session{}, ErrInvalidToken
	}
	return *claims, nil
}
