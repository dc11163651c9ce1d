// internal/platform/registry.go
package platform

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

/*
Package platform holds the static table of trusted platforms and tools.
The table is populated once at startup from configuration and injected as a
dependency; nothing here touches global state, so tests build isolated
registries per case.

A record is looked up two ways:

  ByIssuer    the launch's iss claim identifies who launched us, or which
              asset provider to start the embed flow against
  ByClientID  the embed /done callback identifies the asset provider by the
              client id it uses as issuer in its signed response

The two call shapes are a tagged variant consumed by one Resolve function.
*/

// Config describes one registered platform or tool and its endpoints.
type Config struct {
	Issuer   string
	Name     string
	ClientID string // this tool's client id on that platform

	// Platform-side endpoints used when the record launches us.
	AuthEndpoint   string
	TokenEndpoint  string
	KeysetEndpoint string

	// Tool-side endpoints, set only for the asset provider, used when we
	// launch it from inside the editor.
	LoginEndpoint   string
	LaunchEndpoint  string
	DetailsEndpoint string

	// AssetProvider marks the record that may act as both platform and tool.
	AssetProvider bool
}

var ErrUnknownPlatform = errors.New("platform: no matching configuration")

// Lookup is the tagged variant naming one of the two legal resolve paths.
type Lookup struct {
	kind  lookupKind
	value string
}

type lookupKind int

const (
	lookupIssuer lookupKind = iota
	lookupClientID
)

func ByIssuer(issuer string) Lookup     { return Lookup{kind: lookupIssuer, value: issuer} }
func ByClientID(clientID string) Lookup { return Lookup{kind: lookupClientID, value: clientID} }

type Registry struct {
	mu         sync.RWMutex
	byIssuer   map[string]Config
	byClientID map[string]Config
}

func NewRegistry() *Registry {
	return &Registry{
		byIssuer:   make(map[string]Config),
		byClientID: make(map[string]Config),
	}
}

// Register adds a record; issuer and client id must be unique.
func (r *Registry) Register(c Config) error {
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.ClientID) == "" {
		return errors.New("platform: issuer and client id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byIssuer[c.Issuer]; dup {
		return fmt.Errorf("platform: issuer %q already registered", c.Issuer)
	}
	if _, dup := r.byClientID[c.ClientID]; dup {
		return fmt.Errorf("platform: client id %q already registered", c.ClientID)
	}
	r.byIssuer[c.Issuer] = c
	r.byClientID[c.ClientID] = c
	return nil
}

// Resolve returns the record matching the lookup, or ErrUnknownPlatform.
func (r *Registry) Resolve(l Lookup) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		c  Config
		ok bool
	)
	switch l.kind {
	case lookupIssuer:
		c, ok = r.byIssuer[l.value]
	case lookupClientID:
		c, ok = r.byClientID[l.value]
	}
	if !ok {
		return Config{}, fmt.Errorf("%w for %q", ErrUnknownPlatform, l.value)
	}
	return c, nil
}

// AssetProvider resolves the record for l and requires it to be the asset
// provider; the embed flow must never be started against an ordinary LMS.
func (r *Registry) AssetProvider(l Lookup) (Config, error) {
	c, err := r.Resolve(l)
	if err != nil {
		return Config{}, err
	}
	if !c.AssetProvider {
		return Config{}, fmt.Errorf("%w: %q is not an asset provider", ErrUnknownPlatform, c.Issuer)
	}
	return c, nil
}
