// internal/keys/verify.go
package keys

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/contentforge/editor-lti/internal/protoerr"
)

// VerifyOptions pins the expected counterparty of a signed claim.
type VerifyOptions struct {
	Issuer   string
	Audience string
	// MaxAge rejects claims issued longer than this ago, independent of exp.
	MaxAge time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// VerifyWithKeyset validates a signed claim against the key set published at
// keysetURL. Verification is a plain two-step: decode the header to learn the
// key id, resolve the public key through the directory, then check the
// signature and the time/issuer/audience claims.
func (d *Directory) VerifyWithKeyset(ctx context.Context, raw, keysetURL string, opts VerifyOptions) (jwt.MapClaims, error) {
	kid, err := peekKID(raw)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Authentication, err, "failed to decode token header")
	}
	if kid == "" {
		return nil, protoerr.New(protoerr.Authentication, "no keyid was provided in the token")
	}

	pub, err := d.RemoteKey(ctx, keysetURL, kid)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			// The counterparty's keyset does not know this kid; like a failed
			// fetch this points at the remote side, not at the caller.
			return nil, protoerr.Wrap(protoerr.KeyResolution, err,
				"an error occured while fetching key from the keyset URL")
		}
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, parserOpts...)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Authentication, err, "token verification failed")
	}

	if opts.MaxAge > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return nil, protoerr.New(protoerr.Authentication, "token carries no issued-at claim")
		}
		if now().Sub(iat.Time) > opts.MaxAge {
			return nil, protoerr.New(protoerr.Authentication, "maxAge exceeded")
		}
	}

	return claims, nil
}

// peekKID reads the kid from the token header without verifying anything.
func peekKID(raw string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	kid, _ := token.Header["kid"].(string)
	return kid, nil
}
