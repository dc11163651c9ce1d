// internal/keys/directory.go
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/protoerr"
)

/*
Directory is the key authority of the tool:

  • It owns one RSA signing key pair, generated lazily on first use and kept
    for the process lifetime. The public half is served as a JWKS so the
    asset provider can verify the claims we sign during the embed handshake.

  • It fetches and caches remote key sets by keyset URL, one HTTP client per
    URL reused across calls. Remote keys rotate rarely, so the cache needs
    no eviction; set DisableCache for test determinism.
*/

var (
	// ErrKeyNotFound: keyset fetched fine but the key id is absent.
	ErrKeyNotFound = errors.New("keys: key id not found in keyset")
)

type remoteSet struct {
	client *http.Client
	mu     sync.Mutex
	keys   map[string]*rsa.PublicKey // kid -> key, nil until first fetch
}

type Directory struct {
	log *zap.Logger

	// DisableCache forces a keyset fetch on every lookup.
	DisableCache bool
	// FetchTimeout bounds a single keyset fetch.
	FetchTimeout time.Duration

	ownMu  sync.Mutex
	own    *rsa.PrivateKey
	ownKID string

	remMu   sync.Mutex
	remotes map[string]*remoteSet
}

func NewDirectory(log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		log:          log,
		FetchTimeout: 10 * time.Second,
		remotes:      make(map[string]*remoteSet),
	}
}

// OwnKey returns the tool's signing key pair and its key id, generating the
// pair on first call.
func (d *Directory) OwnKey() (*rsa.PrivateKey, string, error) {
	d.ownMu.Lock()
	defer d.ownMu.Unlock()
	if d.own != nil {
		return d.own, d.ownKID, nil
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("rsa generate: %w", err)
	}
	d.own = priv
	d.ownKID = uuid.NewString()
	d.log.Info("generated tool signing key", zap.String("kid", d.ownKID))
	return d.own, d.ownKID, nil
}

// JWKSHandler serves the public half of the tool's own key as a JSON key set.
func (d *Directory) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		priv, kid, err := d.OwnKey()
		if err != nil {
			http.Error(w, "keyset unavailable", http.StatusInternalServerError)
			return
		}
		set := JWKS{Keys: []JWK{RSAPublicJWK(&priv.PublicKey, kid)}}
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(set)
	}
}

// RemoteKey resolves keyId from the key set published at keysetURL.
// A missing key id yields ErrKeyNotFound; a failed fetch yields a
// KeyResolution failure (downstream outage, not a caller error).
func (d *Directory) RemoteKey(ctx context.Context, keysetURL, keyID string) (*rsa.PublicKey, error) {
	rs := d.remote(keysetURL)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !d.DisableCache && rs.keys != nil {
		if pub, ok := rs.keys[keyID]; ok {
			return pub, nil
		}
	}

	// Not cached (or cache disabled, or the key rotated): fetch the set.
	keys, err := d.fetchKeyset(ctx, rs.client, keysetURL)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KeyResolution, err,
			"an error occured while fetching key from the keyset URL")
	}
	rs.keys = keys

	pub, ok := keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return pub, nil
}

func (d *Directory) remote(keysetURL string) *remoteSet {
	d.remMu.Lock()
	defer d.remMu.Unlock()
	rs, ok := d.remotes[keysetURL]
	if !ok {
		rs = &remoteSet{client: &http.Client{Timeout: d.FetchTimeout}}
		d.remotes[keysetURL] = rs
	}
	return rs
}

func (d *Directory) fetchKeyset(ctx context.Context, client *http.Client, keysetURL string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keysetURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyset fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var set JWKS
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("keyset decode: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.RSAPublicKey()
		if err != nil {
			d.log.Warn("skipping unparsable JWK", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}
