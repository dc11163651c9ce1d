package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Issuer:         "https://lms.example.org",
		Name:           "lms",
		ClientID:       "client-1",
		AuthEndpoint:   "https://lms.example.org/auth",
		KeysetEndpoint: "https://lms.example.org/keys",
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testConfig()))

	byIss, err := r.Resolve(ByIssuer("https://lms.example.org"))
	require.NoError(t, err)
	assert.Equal(t, "client-1", byIss.ClientID)

	byCID, err := r.Resolve(ByClientID("client-1"))
	require.NoError(t, err)
	assert.Equal(t, "https://lms.example.org", byCID.Issuer)
}

func TestResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(ByIssuer("https://nobody.example.org"))
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testConfig()))

	dup := testConfig()
	dup.ClientID = "client-2"
	assert.Error(t, r.Register(dup)) // same issuer

	dup = testConfig()
	dup.Issuer = "https://other.example.org"
	assert.Error(t, r.Register(dup)) // same client id
}

func TestRegisterRequiresIdentity(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Config{Issuer: "", ClientID: "x"}))
	assert.Error(t, r.Register(Config{Issuer: "x", ClientID: " "}))
}

func TestAssetProviderGuard(t *testing.T) {
	r := NewRegistry()
	lms := testConfig()
	require.NoError(t, r.Register(lms))

	provider := Config{
		Issuer:         "https://repo.example.org",
		ClientID:       "client-repo",
		KeysetEndpoint: "https://repo.example.org/keys",
		AssetProvider:  true,
	}
	require.NoError(t, r.Register(provider))

	_, err := r.AssetProvider(ByIssuer(lms.Issuer))
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	got, err := r.AssetProvider(ByIssuer(provider.Issuer))
	require.NoError(t, err)
	assert.True(t, got.AssetProvider)
}
