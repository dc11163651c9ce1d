// internal/embed/details.go
package embed

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/platform"
	"github.com/contentforge/editor-lti/internal/protoerr"
)

// detailsClaimTTL gives the details request one round trip, not more.
const detailsClaimTTL = 60 * time.Second

// errorSnippet fills the embed slot when the provider cannot deliver one.
const errorSnippet = "<b>Es ist ein Fehler aufgetreten, den eingebetteten Inhalt zu laden. Bitte wenden Sie sich an den Systemadministrator.</b>"

// Get fetches the provider's rendered snippet for one embedded asset and
// returns it to the editor UI. Errors from the provider surface as a snippet
// too, so the UI always has something to show in the embed slot.
func (s *Service) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionFromRequest(w, r)
		if !ok {
			return
		}
		nodeID := r.URL.Query().Get("nodeId")
		repositoryID := r.URL.Query().Get("repositoryId")
		if nodeID == "" || repositoryID == "" {
			http.Error(w, "nodeId or repositoryId is missing", http.StatusBadRequest)
			return
		}
		user := customString(sess.Custom, "user")
		dataToken := customString(sess.Custom, "dataToken")
		if user == "" || dataToken == "" {
			http.Error(w, "dataToken, nodeId or user was missing in custom", http.StatusBadRequest)
			return
		}

		cfg, err := s.Registry.AssetProvider(platform.ByIssuer(sess.Issuer))
		if err != nil {
			http.Error(w, "embedding is not available for this platform", http.StatusBadRequest)
			return
		}

		signed, err := s.Signer.Sign(jwt.MapClaims{
			"iss":           s.EditorURL,
			"aud":           cfg.ClientID,
			"sub":           user,
			"dataToken":     dataToken,
			"nodeId":        nodeID,
			claimDeployment: deploymentID,
		}, detailsClaimTTL)
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}

		target := fmt.Sprintf("%s/%s/%s?displayMode=inline&jwt=%s",
			cfg.DetailsEndpoint, url.PathEscape(repositoryID), url.PathEscape(nodeID),
			url.QueryEscape(signed))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		resp, body, err := s.fetchDetails(r, target)
		if err != nil {
			s.Log.Warn("details fetch failed", zap.String("nodeId", nodeID), zap.Error(err))
			_ = json.NewEncoder(w).Encode(map[string]string{
				"detailsSnippet": errorSnippet,
			})
			return
		}
		if resp.StatusCode != http.StatusOK {
			// Always a 200 towards the UI; the snippet is what fills the
			// embed slot, the rest is diagnostics for support.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"responseStatus":    resp.StatusCode,
				"responseText":      string(body),
				"detailsSnippet":    errorSnippet,
				"characterEncoding": resp.Header.Get("Content-Type"),
			})
			return
		}
		// The provider already answers {detailsSnippet: ...}; pass it through.
		_, _ = w.Write(body)
	}
}

func (s *Service) fetchDetails(r *http.Request, target string) (*http.Response, []byte, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
