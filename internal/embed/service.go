// internal/embed/service.go
package embed

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/keys"
	"github.com/contentforge/editor-lti/internal/platform"
	"github.com/contentforge/editor-lti/internal/protoerr"
	"github.com/contentforge/editor-lti/internal/store"
	"github.com/contentforge/editor-lti/internal/token"
	"github.com/contentforge/editor-lti/internal/web"
)

/*
Package embed runs the reverse handshake: the editor, normally a tool, acts
as a platform and launches the asset provider's resource picker inside an
iframe. Four hops, each carrying a single-use correlation record:

  /embed/start  editor UI asks to open the picker; an embed session is
                stored and the browser is sent to the provider's OIDC
                login endpoint with the session id as login_hint
  /embed/login  the provider authenticates through us; the session is
                consumed, a nonce record is stored, and a signed deep
                linking request is posted to the provider's launch URL
  /embed/done   the provider posts back its signed deep linking response;
                the nonce record is consumed and the selected asset is
                handed to the editor UI via postMessage
  /embed/get    the editor UI fetches the provider's rendered snippet for
                an embedded asset

Sessions and nonces are take-once rows; replaying any hop fails.
*/

const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeployment   = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimDLSettings   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	claimDLData       = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
	claimContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
)

// The embed flow has a single fixed deployment towards the asset provider.
const deploymentID = "1"

// doneMaxAge bounds how old the provider's signed response may be.
const doneMaxAge = 60 * time.Second

type Service struct {
	Ephemeral *store.Ephemeral
	Registry  *platform.Registry
	Keys      *keys.Directory
	Minter    *token.Minter
	Signer    *token.ClaimSigner

	// EditorURL is this tool's public base URL, no trailing slash.
	EditorURL string

	// Client fetches the provider's details endpoint. Defaults to a plain
	// client with a 10s timeout.
	Client *http.Client

	Log *zap.Logger
}

// ------------------------------- /embed/start ---------------------------------

// Start opens the picker. The launch session token proves the caller went
// through a launch and carries the provider-issued correlation values.
func (s *Service) Start() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionFromRequest(w, r)
		if !ok {
			return
		}
		user := customString(sess.Custom, "user")
		dataToken := customString(sess.Custom, "dataToken")
		nodeID := customString(sess.Custom, "nodeId")
		if user == "" || dataToken == "" || nodeID == "" {
			http.Error(w, "dataToken, nodeId or user was missing in custom", http.StatusBadRequest)
			return
		}

		cfg, err := s.Registry.AssetProvider(platform.ByIssuer(sess.Issuer))
		if err != nil {
			http.Error(w, "embedding is not available for this platform", http.StatusBadRequest)
			return
		}

		id, err := s.Ephemeral.InsertSession(r.Context(), user, dataToken, nodeID, sess.Issuer)
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}

		// A third-party-initiated login, with the editor on the platform
		// side this time. GET form so the provider sees query parameters.
		web.AutoFormResponse(w, http.MethodGet, cfg.LoginEndpoint, map[string]string{
			"iss":               s.EditorURL,
			"target_link_uri":   cfg.LaunchEndpoint,
			"login_hint":        id,
			"client_id":         cfg.ClientID,
			"lti_deployment_id": deploymentID,
		})
	}
}

// ------------------------------- /embed/login ---------------------------------

// Login answers the provider's OIDC authentication request with a signed deep
// linking request. The embed session is consumed here; a second request with
// the same login_hint fails.
func (s *Service) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		sess, err := s.Ephemeral.TakeSession(r.Context(), q.Get("login_hint"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "login_hint is invalid or session is expired", http.StatusBadRequest)
				return
			}
			protoerr.WriteHTTP(w, err)
			return
		}

		nonce := q.Get("nonce")
		if nonce == "" {
			http.Error(w, "nonce is not valid", http.StatusBadRequest)
			return
		}
		state := q.Get("state")
		if state == "" {
			http.Error(w, "state is not valid", http.StatusBadRequest)
			return
		}

		cfg, err := s.Registry.AssetProvider(platform.ByIssuer(sess.Issuer))
		if err != nil {
			http.Error(w, "embedding is not available for this platform", http.StatusBadRequest)
			return
		}
		if q.Get("redirect_uri") != cfg.LaunchEndpoint {
			http.Error(w, "redirect_uri is not valid", http.StatusBadRequest)
			return
		}
		if q.Get("client_id") != cfg.ClientID {
			http.Error(w, "client_id is not valid", http.StatusBadRequest)
			return
		}

		// The nonce record id travels through the provider in the deep
		// linking data field and comes back at /embed/done.
		nonceID, err := s.Ephemeral.InsertNonce(r.Context(), nonce)
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}

		claims := jwt.MapClaims{
			"iss":            s.EditorURL,
			"aud":            cfg.ClientID,
			"sub":            sess.User,
			"nonce":          nonce,
			"dataToken":      sess.DataToken,
			claimMessageType: "LtiDeepLinkingRequest",
			claimVersion:     "1.3.0",
			claimDeployment:  deploymentID,
			claimRoles:       []string{},
			claimCustom: map[string]string{
				"dataToken": sess.DataToken,
				"nodeId":    sess.NodeID,
				"user":      sess.User,
			},
			claimDLSettings: map[string]any{
				"accept_types":                         []string{"ltiResourceLink"},
				"accept_presentation_document_targets": []string{"iframe"},
				"accept_multiple":                      true,
				"auto_create":                          false,
				"deep_link_return_url":                 s.EditorURL + "/embed/done",
				"data":                                 nonceID,
			},
		}
		signed, err := s.Signer.Sign(claims, 0)
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}

		web.AutoFormResponse(w, http.MethodPost, q.Get("redirect_uri"), map[string]string{
			"id_token": signed,
			"state":    state,
		})
	}
}

// ------------------------------- Helpers --------------------------------------

// sessionFromRequest verifies the launch session token from the ltik query
// parameter. On failure it writes the response itself.
func (s *Service) sessionFromRequest(w http.ResponseWriter, r *http.Request) (token.Session, bool) {
	raw := r.URL.Query().Get("ltik")
	if raw == "" {
		http.Error(w, "Missing or invalid session token", http.StatusBadRequest)
		return token.Session{}, false
	}
	sess, err := s.Minter.VerifySession(raw)
	if err != nil {
		http.Error(w, "Missing or invalid session token", http.StatusBadRequest)
		return token.Session{}, false
	}
	return sess, true
}

func customString(custom map[string]any, name string) string {
	s, _ := custom[name].(string)
	return s
}
