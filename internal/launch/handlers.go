// internal/launch/handlers.go
package launch

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/contentforge/editor-lti/internal/protoerr"
	"github.com/contentforge/editor-lti/internal/token"
)

// entityBody is the wire shape of a stored entity.
type entityBody struct {
	ID             int64   `json:"id"`
	ResourceLinkID *string `json:"resource_link_id"`
	CustomClaimID  *string `json:"custom_claim_id"`
	Content        *string `json:"content"`
}

// GetEntity returns the stored content for the entity named by the bearer
// capability token. An invalid token still answers 200 so the editor UI can
// render the message in place of the document.
func (s *Service) GetEntity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := s.providerSession(r); ok {
			s.providerGetEntity(w, r, sess)
			return
		}

		cap, ok := s.capabilityFromRequest(r)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]string{"content": "Invalid access token"})
			return
		}

		entity, found, err := fetchEntityByID(r.Context(), s.Store, cap.EntityID)
		if err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}
		if !found {
			http.Error(w, "Entity not found", http.StatusNotFound)
			return
		}

		body := entityBody{ID: entity.ID}
		if entity.ResourceLinkID.Valid {
			body.ResourceLinkID = &entity.ResourceLinkID.String
		}
		if entity.CustomClaimID.Valid {
			body.CustomClaimID = &entity.CustomClaimID.String
		}
		if entity.Content.Valid {
			body.Content = &entity.Content.String
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}

// PutEntity overwrites the stored content. Requires the write right.
func (s *Service) PutEntity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sess, ok := s.providerSession(r); ok {
			s.providerPutEntity(w, r, sess)
			return
		}

		// Save failures render inside the editor, so they answer 200 with a
		// plain message body just like a successful save does.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		cap, ok := s.capabilityFromRequest(r)
		if !ok {
			_, _ = w.Write([]byte("Missing or invalid access token"))
			return
		}
		if cap.AccessRight != token.RightWrite {
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

		if err := saveContent(r.Context(), s.Store, cap.EntityID, string(payload.Content)); err != nil {
			protoerr.WriteHTTP(w, err)
			return
		}
		_, _ = w.Write([]byte("Success"))
	}
}

// capabilityFromRequest pulls the capability token from the Authorization
// header or the accessToken query parameter and verifies it.
func (s *Service) capabilityFromRequest(r *http.Request) (token.Capability, bool) {
	raw := r.URL.Query().Get("accessToken")
	if h := r.Header.Get("Authorization"); h != "" {
		raw = strings.TrimPrefix(h, "Bearer ")
	}
	if raw == "" {
		return token.Capability{}, false
	}
	cap, err := s.Minter.VerifyCapability(raw)
	if err != nil {
		return token.Capability{}, false
	}
	return cap, true
}
