// internal/launch/service.go
package launch

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/keys"
	"github.com/contentforge/editor-lti/internal/platform"
	"github.com/contentforge/editor-lti/internal/protoerr"
	"github.com/contentforge/editor-lti/internal/store"
	"github.com/contentforge/editor-lti/internal/token"
	"github.com/contentforge/editor-lti/internal/web"
)

/*
Service authenticates inbound platform launches and resolves them to a
content entity plus an access right.

A launch arrives as a signed id_token POSTed by the browser. The issuer
selects the platform record; the token is verified against that platform's
keyset. Three paths follow:

  asset provider   entity looked up (or created) by the provider's node id;
                   write right iff the launch carries postContentApiUrl
  deep link        a fresh entity is created and its correlation id is
                   returned to the platform inside a signed deep-linking
                   response
  ordinary         entity looked up by the correlation id set at deep-link
                   time; right derived from the membership role claims

Every successful path mints a capability token and sends the browser to the
editor UI with the token and launch context as query parameters.
*/

// rolesWithWriteAccess is the fixed allow-list of membership roles that may
// edit content. Member is deliberately absent.
var rolesWithWriteAccess = []string{
	"membership#Administrator",
	"membership#ContentDeveloper",
	"membership#Instructor",
	"membership#Mentor",
	"membership#Manager",
	"membership#Officer",
}

type Service struct {
	Store     *store.Store
	Registry  *platform.Registry
	Keys      *keys.Directory
	Minter    *token.Minter
	Signer    *token.ClaimSigner
	Ephemeral *store.Ephemeral

	// EditorURL is this tool's public base URL, no trailing slash.
	EditorURL string

	// Client talks to the asset provider's content API. Defaults to a plain
	// client with a 10s timeout.
	Client *http.Client

	Log *zap.Logger
}

// errorMessageToUser wraps an operator-facing detail in the localized message
// platforms render inline in the embedded browser.
func errorMessageToUser(details string) string {
	return "Es ist leider ein Fehler aufgetreten. Bitte wende dich mit dieser Fehlermeldung an den Support: " + details
}

// ------------------------------ OIDC login ------------------------------------

// OIDCLogin accepts a third-party-initiated login and bounces the browser to
// the platform's authentication endpoint.
func (s *Service) OIDCLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		iss := firstValue(r, "iss")
		if iss == "" {
			http.Error(w, "iss is missing", http.StatusBadRequest)
			return
		}
		cfg, err := s.Registry.Resolve(platform.ByIssuer(iss))
		if err != nil {
			http.Error(w, "unknown platform: "+iss, http.StatusBadRequest)
			return
		}

		// The state parameter is the id of a take-once record holding the
		// nonce; /lti/launch consumes it and checks the nonce round trip.
		nonce := uuid.NewString()
		state, err := s.Ephemeral.InsertLoginState(r.Context(), nonce)
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}

		q := url.Values{}
		q.Set("response_type", "id_token")
		q.Set("response_mode", "form_post")
		q.Set("scope", "openid")
		q.Set("prompt", "none")
		q.Set("client_id", cfg.ClientID)
		q.Set("redirect_uri", s.EditorURL+"/lti/launch")
		q.Set("state", state)
		q.Set("nonce", nonce)
		if v := firstValue(r, "login_hint"); v != "" {
			q.Set("login_hint", v)
		}
		if v := firstValue(r, "lti_message_hint"); v != "" {
			q.Set("lti_message_hint", v)
		}
		http.Redirect(w, r, cfg.AuthEndpoint+"?"+q.Encode(), http.StatusFound)
	}
}

// -------------------------------- Launch --------------------------------------

// Launch receives the id_token POST that completes the handshake.
func (s *Service) Launch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		raw := r.PostFormValue("id_token")
		if raw == "" {
			http.Error(w, "missing id_token", http.StatusBadRequest)
			return
		}

		iss, err := peekIssuer(raw)
		if err != nil || iss == "" {
			http.Error(w, "failed to decode id_token", http.StatusBadRequest)
			return
		}
		cfg, err := s.Registry.Resolve(platform.ByIssuer(iss))
		if err != nil {
			http.Error(w, "unknown platform: "+iss, http.StatusBadRequest)
			return
		}

		state := r.PostFormValue("state")
		if state == "" {
			http.Error(w, "state is missing", http.StatusBadRequest)
			return
		}
		login, err := s.Ephemeral.TakeLoginState(r.Context(), state)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "state is invalid or login has expired", http.StatusBadRequest)
				return
			}
			protoerr.WriteHTTP(w, err)
			return
		}

		claims, err := s.Keys.VerifyWithKeyset(r.Context(), raw, cfg.KeysetEndpoint, keys.VerifyOptions{
			Issuer:   cfg.Issuer,
			Audience: cfg.ClientID,
		})
		if err != nil {
			s.Log.Warn("launch verification failed", zap.String("iss", iss), zap.Error(err))
			protoerr.WriteHTTP(w, err)
			return
		}
		if nonce, _ := claims["nonce"].(string); nonce != login.Nonce {
			http.Error(w, "nonce is invalid", http.StatusBadRequest)
			return
		}

		lc := parseLaunch(claims)
		switch {
		case cfg.AssetProvider:
			s.connectAssetProvider(w, r, lc)
		case lc.MessageType == msgTypeDeepLink:
			s.handleDeepLinkRequest(w, r, cfg, lc)
		default:
			s.connectOrdinary(w, r, lc)
		}
	}
}

// connectAssetProvider serves a launch originating from the asset provider.
func (s *Service) connectAssetProvider(w http.ResponseWriter, r *http.Request, lc launchContext) {
	for _, field := range []string{"contentApiUrl", "appId", "dataToken", "nodeId", "user"} {
		if lc.customString(field) == "" {
			serialized, _ := json.Marshal(lc.Custom)
			http.Error(w, errorMessageToUser(
				"Unexpected type of LTI 'custom' claim. Got "+string(serialized)),
				http.StatusBadRequest)
			return
		}
	}
	nodeID := lc.customString("nodeId")

	entity, found, err := fetchEntityByNodeID(r.Context(), s.Store, nodeID)
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}
	entityID := entity.ID
	if !found {
		snapshot, _ := json.Marshal(lc.Raw)
		entityID, err = insertAssetProviderEntity(r.Context(), s.Store, nodeID, string(snapshot))
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}
		s.Log.Info("created entity for asset-provider node",
			zap.Int64("entityId", entityID), zap.String("nodeId", nodeID))
	}

	right := token.RightRead
	if lc.customString("postContentApiUrl") != "" {
		right = token.RightWrite
	}
	s.redirectToEditor(w, r, lc, entityID, right)
}

// connectOrdinary serves a resource-link launch from a regular platform.
func (s *Service) connectOrdinary(w http.ResponseWriter, r *http.Request, lc launchContext) {
	customID := lc.customString("id")
	if customID == "" {
		customID = r.URL.Query().Get("customId")
	}
	if customID == "" {
		http.Error(w, errorMessageToUser("custom id missing"), http.StatusBadRequest)
		return
	}

	entity, found, err := fetchEntityByCustomClaimID(r.Context(), s.Store, customID)
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}
	if !found {
		// Deep linking has not happened for this id. Platforms render the
		// body inline, so this is a 200 with a user-facing message.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(errorMessageToUser("Content not found in database")))
		return
	}

	if !entity.ResourceLinkID.Valid && lc.ResourceLinkID != "" {
		if err := setResourceLinkID(r.Context(), s.Store, entity.ID, lc.ResourceLinkID); err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}
	}

	s.redirectToEditor(w, r, lc, entity.ID, deriveRight(lc.Roles))
}

// deriveRight scans the platform-supplied role URIs for the membership
// marker and grants write only for the allow-listed roles.
func deriveRight(roles []string) token.AccessRight {
	for _, role := range roles {
		if !strings.Contains(role, "membership#") {
			continue
		}
		for _, allowed := range rolesWithWriteAccess {
			if strings.Contains(role, allowed) {
				return token.RightWrite
			}
		}
		return token.RightRead
	}
	return token.RightRead
}

// handleDeepLinkRequest creates a fresh entity and returns its correlation id
// to the platform inside a signed deep-linking response.
func (s *Service) handleDeepLinkRequest(w http.ResponseWriter, r *http.Request, cfg platform.Config, lc launchContext) {
	if lc.DeepLinkReturnURL == "" {
		http.Error(w, "deep_link_return_url is missing", http.StatusBadRequest)
		return
	}

	customClaimID := uuid.NewString()
	snapshot, _ := json.Marshal(lc.Raw)
	entityID, err := insertDeepLinkedEntity(r.Context(), s.Store, customClaimID, string(snapshot))
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}
	s.Log.Info("created entity via deep link",
		zap.Int64("entityId", entityID), zap.String("customClaimId", customClaimID))

	claims := jwt.MapClaims{
		"iss":            cfg.ClientID,
		"aud":            cfg.Issuer,
		"nonce":          uuid.NewString(),
		claimMessageType: "LtiDeepLinkingResponse",
		claimVersion:     "1.3.0",
		claimDeployment:  lc.DeploymentID,
		claimContentItems: []map[string]any{{
			"type":   "ltiResourceLink",
			"title":  "Content",
			"url":    s.EditorURL + "/lti/launch",
			"custom": map[string]string{"id": customClaimID},
		}},
	}
	if lc.DeepLinkData != "" {
		claims[claimDLData] = lc.DeepLinkData
	}

	signed, err := s.Signer.Sign(claims, 0)
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}
	web.AutoFormResponse(w, http.MethodPost, lc.DeepLinkReturnURL, map[string]string{
		"JWT": signed,
	})
}

// redirectToEditor mints the capability and session tokens and hands the
// browser to the editor UI.
func (s *Service) redirectToEditor(w http.ResponseWriter, r *http.Request, lc launchContext, entityID int64, right token.AccessRight) {
	accessToken, err := s.Minter.MintCapability(entityID, right)
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}
	ltik, err := s.Minter.MintSession(lc.Issuer, lc.Subject, lc.Custom)
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}

	q := url.Values{}
	q.Set("accessToken", accessToken)
	q.Set("ltik", ltik)
	q.Set("resourceLinkId", lc.ResourceLinkID)
	q.Set("title", lc.ResourceTitle)
	q.Set("contextTitle", lc.ContextTitle)
	http.Redirect(w, r, s.EditorURL+"/app?"+q.Encode(), http.StatusFound)
}

// ------------------------------- Helpers --------------------------------------

func peekIssuer(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", err
	}
	iss, _ := claims["iss"].(string)
	return iss, nil
}

// firstValue reads a parameter from the query or the posted form.
func firstValue(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.PostFormValue(name)
}
