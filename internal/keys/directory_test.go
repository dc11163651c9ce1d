package keys_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/contentforge/editor-lti/internal/keys"
	"github.com/contentforge/editor-lti/internal/protoerr"
)

// keysetServer publishes pub under kid and counts fetches.
func keysetServer(t *testing.T, pub *rsa.PublicKey, kid string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(keys.JWKS{Keys: []keys.JWK{keys.RSAPublicJWK(pub, kid)}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestJWKSHandlerServesOwnKey(t *testing.T) {
	d := keys.NewDirectory(nil)
	priv, kid, err := d.OwnKey()
	if err != nil {
		t.Fatalf("own key: %v", err)
	}

	rec := httptest.NewRecorder()
	d.JWKSHandler()(rec, httptest.NewRequest(http.MethodGet, "/lti/keys", nil))

	var set keys.JWKS
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode keyset: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Kid != kid {
		t.Fatalf("unexpected keyset: %+v", set)
	}
	pub, err := set.Keys[0].RSAPublicKey()
	if err != nil {
		t.Fatalf("parse jwk: %v", err)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 || pub.E != priv.PublicKey.E {
		t.Fatal("published key does not match own key")
	}
}

func TestRemoteKeyIsCached(t *testing.T) {
	priv := newRSAKey(t)
	var hits atomic.Int32
	srv := keysetServer(t, &priv.PublicKey, "kid-1", &hits)

	d := keys.NewDirectory(nil)
	for i := 0; i < 3; i++ {
		if _, err := d.RemoteKey(context.Background(), srv.URL, "kid-1"); err != nil {
			t.Fatalf("remote key: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one keyset fetch, got %d", hits.Load())
	}

	d.DisableCache = true
	if _, err := d.RemoteKey(context.Background(), srv.URL, "kid-1"); err != nil {
		t.Fatalf("remote key: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("cache disabled, expected a second fetch, got %d", hits.Load())
	}
}

func TestRemoteKeyUnknownKid(t *testing.T) {
	priv := newRSAKey(t)
	var hits atomic.Int32
	srv := keysetServer(t, &priv.PublicKey, "kid-1", &hits)

	d := keys.NewDirectory(nil)
	_, err := d.RemoteKey(context.Background(), srv.URL, "kid-other")
	if !errors.Is(err, keys.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRemoteKeyFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d := keys.NewDirectory(nil)
	_, err := d.RemoteKey(context.Background(), srv.URL, "kid-1")
	pe, ok := protoerr.As(err)
	if !ok || pe.Kind != protoerr.KeyResolution {
		t.Fatalf("expected KeyResolution failure, got %v", err)
	}
}

// ------------------------------ Verification ----------------------------------

func signTestToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestVerifyWithKeyset(t *testing.T) {
	priv := newRSAKey(t)
	var hits atomic.Int32
	srv := keysetServer(t, &priv.PublicKey, "kid-1", &hits)
	d := keys.NewDirectory(nil)

	now := time.Now()
	raw := signTestToken(t, priv, "kid-1", jwt.MapClaims{
		"iss": "https://lms.example.org",
		"aud": "client-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"sub": "user-1",
	})

	claims, err := d.VerifyWithKeyset(context.Background(), raw, srv.URL, keys.VerifyOptions{
		Issuer:   "https://lms.example.org",
		Audience: "client-1",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub, _ := claims["sub"].(string); sub != "user-1" {
		t.Fatalf("unexpected claims: %v", claims)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	priv := newRSAKey(t)
	var hits atomic.Int32
	srv := keysetServer(t, &priv.PublicKey, "kid-1", &hits)
	d := keys.NewDirectory(nil)

	now := time.Now()
	raw := signTestToken(t, priv, "kid-1", jwt.MapClaims{
		"iss": "https://lms.example.org",
		"aud": "someone-else",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})

	_, err := d.VerifyWithKeyset(context.Background(), raw, srv.URL, keys.VerifyOptions{
		Issuer:   "https://lms.example.org",
		Audience: "client-1",
	})
	pe, ok := protoerr.As(err)
	if !ok || pe.Kind != protoerr.Authentication {
		t.Fatalf("expected Authentication failure, got %v", err)
	}
}

func TestVerifyRequiresKeyID(t *testing.T) {
	priv := newRSAKey(t)
	var hits atomic.Int32
	srv := keysetServer(t, &priv.PublicKey, "kid-1", &hits)
	d := keys.NewDirectory(nil)

	now := time.Now()
	raw := signTestToken(t, priv, "", jwt.MapClaims{
		"iss": "x", "iat": now.Unix(), "exp": now.Add(time.Minute).Unix(),
	})

	_, err := d.VerifyWithKeyset(context.Background(), raw, srv.URL, keys.VerifyOptions{})
	if err == nil || hits.Load() != 0 {
		t.Fatalf("token without kid must fail before any fetch, err=%v hits=%d", err, hits.Load())
	}
}

func TestVerifyEnforcesMaxAge(t *testing.T) {
	priv := newRSAKey(t)
	var hits atomic.Int32
	srv := keysetServer(t, &priv.PublicKey, "kid-1", &hits)
	d := keys.NewDirectory(nil)

	issued := time.Now()
	raw := signTestToken(t, priv, "kid-1", jwt.MapClaims{
		"iss": "x",
		"iat": issued.Unix(),
		"exp": issued.Add(time.Hour).Unix(),
	})

	// Well inside exp but past the freshness window.
	_, err := d.VerifyWithKeyset(context.Background(), raw, srv.URL, keys.VerifyOptions{
		MaxAge: time.Minute,
		Now:    func() time.Time { return issued.Add(2 * time.Minute) },
	})
	pe, ok := protoerr.As(err)
	if !ok || pe.Kind != protoerr.Authentication {
		t.Fatalf("expected Authentication failure, got %v", err)
	}
}
