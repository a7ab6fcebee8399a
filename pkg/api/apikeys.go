package api

import (
	"net/http"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/go-chi/chi/v5"
)

type apiKeyResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Mask        string          `json:"mask"`
	Active      bool            `json:"active"`
	Expires     int64           `json:"expires"`
	Privileges  map[string]bool `json:"privileges"`
	Roles       []string        `json:"roles"`
	Username    string          `json:"username"`
	Created     int64           `json:"created"`
	Modified    int64           `json:"modified"`
	Revision    int64           `json:"revision"`
}

// toAPIKeyResponse never includes the stored digest.
func toAPIKeyResponse(k *credstore.APIKey) apiKeyResponse {
	privs := k.Privileges
	if privs == nil {
		privs = map[string]bool{}
	}

	roles := k.Roles
	if roles == nil {
		roles = []string{}
	}

	return apiKeyResponse{
		ID:          k.ID,
		Title:       k.Title,
		Description: k.Description,
		Mask:        k.Mask,
		Active:      k.Active,
		Expires:     k.Expires,
		Privileges:  privs,
		Roles:       roles,
		Username:    k.Username,
		Created:     k.Created,
		Modified:    k.Modified,
		Revision:    k.Revision,
	}
}

type createAPIKeyRequest struct {
	Title       string         `json:"title" validate:"required,max=255"`
	Description string         `json:"description" validate:"max=4096"`
	Active      *flexBool      `json:"active,omitempty"`
	Expires     int64          `json:"expires" validate:"min=0"`
	Privileges  map[string]any `json:"privileges"`
	Roles       []string       `json:"roles" validate:"dive,recordid"`
}

type createAPIKeyResponse struct {
	PlainKey string         `json:"plain_key"`
	APIKey   apiKeyResponse `json:"api_key"`
}

// handleListAPIKeys returns API keys, paged by offset and limit.
func (s *server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, privilege.Admin); !ok {
		return
	}

	offset, limit := parsePage(r)

	keys, err := s.store.ListAPIKeys(r.Context(), nil, offset, limit)
	if err != nil {
		s.internalError(w, err, "Failed to list API keys")

		return
	}

	resp := make([]apiKeyResponse, 0, len(keys))
	for i := range keys {
		resp = append(resp, toAPIKeyResponse(&keys[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCreateAPIKey creates a key and returns its plaintext exactly once.
func (s *server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.Admin)
	if !ok {
		return
	}

	var req createAPIKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	grants, ok := s.validateGrants(w, r, codeAPIKey, req.Privileges, req.Roles)
	if !ok {
		return
	}

	if grants == nil {
		grants = map[string]bool{}
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		s.internalError(w, err, "Failed to generate API key")

		return
	}

	now := time.Now().Unix()

	key := &credstore.APIKey{
		ID:          credstore.NewID(),
		Title:       req.Title,
		Description: req.Description,
		Key:         auth.DigestAPIKey(plain),
		Mask:        auth.MaskAPIKey(plain),
		Active:      boolOr(req.Active, true),
		Expires:     req.Expires,
		Privileges:  grants,
		Roles:       nonNil(req.Roles),
		Username:    principal.Username(),
		Created:     now,
		Modified:    now,
		Revision:    1,
	}

	if err := s.store.PutAPIKey(r.Context(), key); err != nil {
		s.internalError(w, err, "Failed to create API key")

		return
	}

	s.log.WithField("id", key.ID).
		WithField("by", principal.Subject()).
		Info("API key created")

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{
		PlainKey: plain,
		APIKey:   toAPIKeyResponse(key),
	})
}

// handleGetAPIKey returns a single API key.
func (s *server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, privilege.Admin); !ok {
		return
	}

	key, ok := s.loadAPIKey(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toAPIKeyResponse(key))
}

type updateAPIKeyRequest struct {
	Title       *string        `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string        `json:"description,omitempty" validate:"omitempty,max=4096"`
	Active      *flexBool      `json:"active,omitempty"`
	Expires     *int64         `json:"expires,omitempty" validate:"omitempty,min=0"`
	Privileges  map[string]any `json:"privileges,omitempty"`
	Roles       *[]string      `json:"roles,omitempty" validate:"omitempty,dive,recordid"`
	// Key is accepted and ignored; the stored digest is immutable.
	Key *string `json:"key,omitempty"`
}

// handleUpdateAPIKey applies a partial update and bumps the revision.
func (s *server) handleUpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.Admin)
	if !ok {
		return
	}

	var req updateAPIKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	key, ok := s.loadAPIKey(w, r)
	if !ok {
		return
	}

	var roles []string
	if req.Roles != nil {
		roles = *req.Roles
	}

	grants, ok := s.validateGrants(w, r, codeAPIKey, req.Privileges, roles)
	if !ok {
		return
	}

	if req.Key != nil {
		s.log.WithField("id", key.ID).Debug("Ignoring key field in API key update")
	}

	if req.Title != nil {
		key.Title = *req.Title
	}

	if req.Description != nil {
		key.Description = *req.Description
	}

	if req.Active != nil {
		key.Active = bool(*req.Active)
	}

	if req.Expires != nil {
		key.Expires = *req.Expires
	}

	if grants != nil {
		key.Privileges = grants
	}

	if req.Roles != nil {
		key.Roles = nonNil(roles)
	}

	key.Modified = time.Now().Unix()
	key.Revision++

	if err := s.store.PutAPIKey(r.Context(), key); err != nil {
		s.internalError(w, err, "Failed to update API key")

		return
	}

	s.log.WithField("id", key.ID).
		WithField("by", principal.Subject()).
		WithField("revision", key.Revision).
		Info("API key updated")

	writeJSON(w, http.StatusOK, toAPIKeyResponse(key))
}

// handleDeleteAPIKey deletes an API key and its digest index entry.
func (s *server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.Admin)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")

	if err := s.store.DeleteAPIKey(r.Context(), id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeAPIKey, "API Key not found: "+id)

			return
		}

		s.internalError(w, err, "Failed to delete API key")

		return
	}

	s.log.WithField("id", id).
		WithField("by", principal.Subject()).
		Info("API key deleted")

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) loadAPIKey(
	w http.ResponseWriter, r *http.Request,
) (*credstore.APIKey, bool) {
	id := chi.URLParam(r, "id")

	key, err := s.store.GetAPIKey(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeAPIKey, "API Key not found: "+id)

			return nil, false
		}

		s.internalError(w, err, "Failed to load API key")

		return nil, false
	}

	return key, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
