package launch

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/contentforge/editor-lti/internal/token"
)

func TestDeriveRight(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  token.AccessRight
	}{
		{"no roles", nil, token.RightRead},
		{"instructor", []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"}, token.RightWrite},
		{"administrator", []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator"}, token.RightWrite},
		{"content developer", []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper"}, token.RightWrite},
		{"learner", []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"}, token.RightRead},
		{"plain member", []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Member"}, token.RightRead},
		{
			// Only the first membership role decides.
			"learner before instructor",
			[]string{
				"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
				"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor",
			},
			token.RightRead,
		},
		{
			// Non-membership roles are skipped, not matched.
			"institution admin only",
			[]string{"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"},
			token.RightRead,
		},
		{"mentor", []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Mentor"}, token.RightWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveRight(tt.roles))
		})
	}
}

func TestParseLaunch(t *testing.T) {
	claims := jwt.MapClaims{
		"iss":            "https://lms.example.org",
		"sub":            "user-1",
		claimMessageType: msgTypeResourceLink,
		claimDeployment:  "dep-1",
		claimRoles:       []any{"role-a", 42, "role-b"},
		claimResource:    map[string]any{"id": "rl-1", "title": "Exercise"},
		claimContext:     map[string]any{"title": "Course"},
		claimCustom:      map[string]any{"id": "custom-1"},
		claimDLSettings: map[string]any{
			"deep_link_return_url": "https://lms.example.org/return",
			"data":                 "opaque",
		},
	}

	lc := parseLaunch(claims)
	assert.Equal(t, "https://lms.example.org", lc.Issuer)
	assert.Equal(t, "user-1", lc.Subject)
	assert.Equal(t, msgTypeResourceLink, lc.MessageType)
	assert.Equal(t, "dep-1", lc.DeploymentID)
	assert.Equal(t, []string{"role-a", "role-b"}, lc.Roles)
	assert.Equal(t, "rl-1", lc.ResourceLinkID)
	assert.Equal(t, "Exercise", lc.ResourceTitle)
	assert.Equal(t, "Course", lc.ContextTitle)
	assert.Equal(t, "custom-1", lc.customString("id"))
	assert.Equal(t, "https://lms.example.org/return", lc.DeepLinkReturnURL)
	assert.Equal(t, "opaque", lc.DeepLinkData)
}

func TestParseLaunchToleratesMissingClaims(t *testing.T) {
	lc := parseLaunch(jwt.MapClaims{"iss": "x"})
	assert.Equal(t, "x", lc.Issuer)
	assert.Empty(t, lc.Roles)
	assert.Empty(t, lc.customString("id"))
}
