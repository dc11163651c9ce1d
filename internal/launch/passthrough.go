// internal/launch/passthrough.go
package launch

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/contentforge/editor-lti/internal/platform"
	"github.com/contentforge/editor-lti/internal/protoerr"
	"github.com/contentforge/editor-lti/internal/token"
)

/*
Entities that originate at the asset provider are never stored locally. The
provider keeps the document and hands us per-launch content API URLs inside
the custom claim; GET and PUT on /entity detect such a session and proxy the
document through those URLs instead of touching lti_entity. Each proxied call
carries a short-lived signed credential the provider verifies against our
published key set.
*/

// providerSession returns the verified launch session when it belongs to the
// registered asset provider.
func (s *Service) providerSession(r *http.Request) (token.Session, bool) {
	raw := r.URL.Query().Get("ltik")
	if raw == "" {
		return token.Session{}, false
	}
	sess, err := s.Minter.VerifySession(raw)
	if err != nil {
		return token.Session{}, false
	}
	if _, err := s.Registry.AssetProvider(platform.ByIssuer(sess.Issuer)); err != nil {
		return token.Session{}, false
	}
	return sess, true
}

// providerGetEntity fetches the document from the provider's content API and
// wraps it in the entity shape the editor expects. The placeholder ids mark
// that nothing is stored on our side.
func (s *Service) providerGetEntity(w http.ResponseWriter, r *http.Request, sess token.Session) {
	apiURL := asString(sess.Custom["contentApiUrl"])
	if apiURL == "" {
		http.Error(w, "contentApiUrl is missing in custom", http.StatusBadRequest)
		return
	}
	target, err := s.providerTarget(apiURL, sess, true, nil)
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "contentApiUrl is not a valid URL", http.StatusBadRequest)
		return
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		s.Log.Warn("content fetch failed", zap.Error(err))
		http.Error(w, "failed to fetch content from provider", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil || resp.StatusCode != http.StatusOK || !json.Valid(body) {
		s.Log.Warn("content fetch rejected", zap.Int("status", resp.StatusCode), zap.Error(err))
		http.Error(w, "failed to fetch content from provider", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		ID             string          `json:"id"`
		ResourceLinkID string          `json:"resource_link_id"`
		CustomClaimID  string          `json:"custom_claim_id"`
		Content        json.RawMessage `json:"content"`
	}{ID: "1", ResourceLinkID: "1", CustomClaimID: "1", Content: body})
}

// providerPutEntity posts the editor state to the provider's content API as a
// multipart upload, one automatic version per save.
func (s *Service) providerPutEntity(w http.ResponseWriter, r *http.Request, sess token.Session) {
	// Saves render inline in the editor, so failures answer 200 with a
	// plain message just like the local path does.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	postURL := asString(sess.Custom["postContentApiUrl"])
	if postURL == "" {
		_, _ = w.Write([]byte("Access token grants no right to modify content"))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var payload struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Content == nil {
		http.Error(w, "content is missing", http.StatusBadRequest)
		return
	}

	target, err := s.providerTarget(postURL, sess, false, url.Values{
		"mimetype":       {"application/json"},
		"versionComment": {"Automatische Speicherung"},
	})
	if err != nil {
		protoerr.WriteHTTP(w, err)
		return
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "content.json")
	if err == nil {
		_, err = part.Write(payload.Content)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		http.Error(w, "failed to encode upload", http.StatusInternalServerError)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, &buf)
	if err != nil {
		http.Error(w, "postContentApiUrl is not a valid URL", http.StatusBadRequest)
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.httpClient().Do(req)
	if err != nil {
		s.Log.Warn("content save failed", zap.Error(err))
		_, _ = w.Write([]byte("Response not ok"))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.Log.Warn("content save rejected", zap.Int("status", resp.StatusCode))
		_, _ = w.Write([]byte("Response not ok"))
		return
	}
	_, _ = w.Write([]byte("Success"))
}

// providerTarget signs the provider credential from the session's custom
// claims and appends it, plus extra parameters, to the content API URL.
func (s *Service) providerTarget(apiURL string, sess token.Session, includeVersion bool, extra url.Values) (string, error) {
	claims := jwt.MapClaims{
		"appId":     asString(sess.Custom["appId"]),
		"nodeId":    asString(sess.Custom["nodeId"]),
		"user":      asString(sess.Custom["user"]),
		"dataToken": asString(sess.Custom["dataToken"]),
	}
	if v := asString(sess.Custom["version"]); includeVersion && v != "" {
		claims["version"] = v
	}
	signed, err := s.Signer.Sign(claims, 0)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("jwt", signed)
	for name, vals := range extra {
		for _, v := range vals {
			q.Set(name, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Service) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
