// internal/launch/claims.go
package launch

import (
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeployment   = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResource     = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimDLSettings   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	claimDLData       = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
	claimContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"

	msgTypeResourceLink = "LtiResourceLinkRequest"
	msgTypeDeepLink     = "LtiDeepLinkingRequest"
)

// launchContext is the part of a verified id_token the resolver consumes.
type launchContext struct {
	Issuer       string
	Subject      string
	MessageType  string
	DeploymentID string
	Roles        []string

	ResourceLinkID string
	ResourceTitle  string
	ContextTitle   string

	Custom map[string]any

	// Deep linking request settings (present on LtiDeepLinkingRequest only).
	DeepLinkReturnURL string
	DeepLinkData      string

	// Raw claims, snapshotted into the entity row on creation.
	Raw jwt.MapClaims
}

func parseLaunch(claims jwt.MapClaims) launchContext {
	lc := launchContext{Raw: claims}
	lc.Issuer, _ = claims["iss"].(string)
	lc.Subject, _ = claims["sub"].(string)
	lc.MessageType = asString(claims[claimMessageType])
	lc.DeploymentID = asString(claims[claimDeployment])

	if roles, ok := claims[claimRoles].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				lc.Roles = append(lc.Roles, s)
			}
		}
	}
	if res, ok := claims[claimResource].(map[string]any); ok {
		lc.ResourceLinkID = asString(res["id"])
		lc.ResourceTitle = asString(res["title"])
	}
	if c, ok := claims[claimContext].(map[string]any); ok {
		lc.ContextTitle = asString(c["title"])
	}
	if custom, ok := claims[claimCustom].(map[string]any); ok {
		lc.Custom = custom
	}
	if dl, ok := claims[claimDLSettings].(map[string]any); ok {
		lc.DeepLinkReturnURL = asString(dl["deep_link_return_url"])
		lc.DeepLinkData = asString(dl["data"])
	}
	return lc
}

// customString returns the named custom claim when it is a non-empty string.
func (lc launchContext) customString(name string) string {
	if lc.Custom == nil {
		return ""
	}
	return asString(lc.Custom[name])
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
