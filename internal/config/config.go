package config

import (
	"os"
	"strings"
	"time"
)

// Config holds the environment-driven settings of the editor tool.
type Config struct {
	HTTPAddr  string
	EditorURL string // public base URL of this tool, no trailing slash

	DBDriver string
	DBDSN    string

	// Symmetric key for capability and session tokens.
	TokenSecret string

	// Disable remote keyset caching for deterministic tests.
	DisableKeyCache bool

	EmbedSessionTTL time.Duration
	EmbedNonceTTL   time.Duration

	// Platform that launches the editor (LMS).
	PlatformIssuer         string
	PlatformName           string
	PlatformClientID       string // our client id on that platform
	PlatformAuthEndpoint   string
	PlatformTokenEndpoint  string
	PlatformKeysetEndpoint string

	// Asset provider: acts as a platform towards us and, during the embed
	// flow, as a tool launched by us.
	AssetProviderIssuer          string
	AssetProviderName            string
	AssetProviderClientID        string // our client id on the asset provider
	AssetProviderAuthEndpoint    string
	AssetProviderKeysetEndpoint  string
	AssetProviderLoginEndpoint   string
	AssetProviderLaunchEndpoint  string
	AssetProviderDetailsEndpoint string
}

func FromEnv() Config {
	pub := strings.TrimSuffix(envOr("EDITOR_URL", "http://localhost:3000"), "/")
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":3000"),
		EditorURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		TokenSecret: envOr("TOKEN_SECRET", "dev-secret-change-me"),

		DisableKeyCache: envBool("DISABLE_KEY_CACHE", false),

		EmbedSessionTTL: envDuration("EMBED_SESSION_TTL", 20*time.Second),
		EmbedNonceTTL:   envDuration("EMBED_NONCE_TTL", 7*24*time.Hour),

		PlatformIssuer:         os.Getenv("PLATFORM_URL"),
		PlatformName:           envOr("PLATFORM_NAME", "platform"),
		PlatformClientID:       os.Getenv("EDITOR_CLIENT_ID_ON_PLATFORM"),
		PlatformAuthEndpoint:   os.Getenv("PLATFORM_AUTHENTICATION_ENDPOINT"),
		PlatformTokenEndpoint:  os.Getenv("PLATFORM_ACCESS_TOKEN_ENDPOINT"),
		PlatformKeysetEndpoint: os.Getenv("PLATFORM_KEYSET_ENDPOINT"),

		AssetProviderIssuer:          os.Getenv("ASSET_PROVIDER_URL"),
		AssetProviderName:            envOr("ASSET_PROVIDER_NAME", "asset-provider"),
		AssetProviderClientID:        os.Getenv("EDITOR_CLIENT_ID_ON_ASSET_PROVIDER"),
		AssetProviderAuthEndpoint:    os.Getenv("ASSET_PROVIDER_AUTHENTICATION_ENDPOINT"),
		AssetProviderKeysetEndpoint:  os.Getenv("ASSET_PROVIDER_KEYSET_ENDPOINT"),
		AssetProviderLoginEndpoint:   os.Getenv("ASSET_PROVIDER_LOGIN_ENDPOINT"),
		AssetProviderLaunchEndpoint:  os.Getenv("ASSET_PROVIDER_LAUNCH_ENDPOINT"),
		AssetProviderDetailsEndpoint: os.Getenv("ASSET_PROVIDER_DETAILS_ENDPOINT"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
