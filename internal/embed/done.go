// internal/embed/done.go
package embed

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/keys"
	"github.com/contentforge/editor-lti/internal/platform"
	"github.com/contentforge/editor-lti/internal/protoerr"
	"github.com/contentforge/editor-lti/internal/store"
)

// The /embed/done page runs inside the picker iframe; postMessage is the only
// channel back to the editor UI that opened it.
var doneTmpl = template.Must(template.New("done").Parse(`<!DOCTYPE html>
<html>
<body>
  <script type="text/javascript">
    parent.postMessage({
      repositoryId: {{.RepositoryID}},
      nodeId: {{.NodeID}}
    }, {{.Origin}});
  </script>
</body>
</html>
`))

// Done receives the provider's signed deep linking response, consumes the
// nonce record minted at /embed/login and forwards the selected asset to the
// editor UI.
func (s *Service) Done() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			http.Error(w, `"content-type" is not "application/x-www-form-urlencoded"`, http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		raw := r.PostFormValue("JWT")
		if raw == "" {
			http.Error(w, "JWT token is missing in the request", http.StatusBadRequest)
			return
		}

		iss, err := peekIssuer(raw)
		if err != nil || iss == "" {
			http.Error(w, "failed to decode JWT token", http.StatusBadRequest)
			return
		}
		// The provider signs its response as a tool, so its issuer is the
		// client id we registered it under.
		cfg, err := s.Registry.AssetProvider(platform.ByClientID(iss))
		if err != nil {
			http.Error(w, "unknown deep linking issuer: "+iss, http.StatusBadRequest)
			return
		}

		claims, err := s.Keys.VerifyWithKeyset(r.Context(), raw, cfg.KeysetEndpoint, keys.VerifyOptions{
			Issuer:   cfg.ClientID,
			Audience: s.EditorURL,
			MaxAge:   doneMaxAge,
		})
		if err != nil {
			s.Log.Warn("deep linking response rejected", zap.Error(err))
			protoerr.WriteHTTP(w, err)
			return
		}

		data, _ := claims[claimDLData].(string)
		rec, err := s.Ephemeral.TakeNonce(r.Context(), data)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "deeplink flow session expired", http.StatusBadRequest)
				return
			}
			protoerr.WriteHTTP(w, err)
			return
		}
		if nonce, _ := claims["nonce"].(string); nonce != rec.Nonce {
			http.Error(w, "nonce is invalid", http.StatusBadRequest)
			return
		}

		repositoryID, nodeID, err := selectedAsset(claims[claimContentItems])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = doneTmpl.Execute(w, struct {
			RepositoryID string
			NodeID       string
			Origin       string
		}{RepositoryID: repositoryID, NodeID: nodeID, Origin: s.EditorURL})
	}
}

// selectedAsset enforces the expected content-items shape: exactly one item
// whose custom claim names the repository and node of the chosen asset.
func selectedAsset(v any) (repositoryID, nodeID string, err error) {
	items, ok := v.([]any)
	if !ok || len(items) != 1 {
		serialized, _ := json.Marshal(v)
		return "", "", fmt.Errorf("expected exactly one content item, got %s", serialized)
	}
	item, _ := items[0].(map[string]any)
	custom, _ := item["custom"].(map[string]any)
	repositoryID, _ = custom["repositoryId"].(string)
	nodeID, _ = custom["nodeId"].(string)
	if repositoryID == "" || nodeID == "" {
		serialized, _ := json.Marshal(items[0])
		return "", "", fmt.Errorf("malformed custom claim in content item %s", serialized)
	}
	return repositoryID, nodeID, nil
}

func peekIssuer(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", err
	}
	iss, _ := claims["iss"].(string)
	return iss, nil
}
