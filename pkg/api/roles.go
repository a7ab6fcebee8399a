package api

import (
	"net/http"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/go-chi/chi/v5"
)

type roleResponse struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Enabled    bool            `json:"enabled"`
	Privileges map[string]bool `json:"privileges"`
	Notes      string          `json:"notes"`
	Categories []string        `json:"categories"`
	Groups     []string        `json:"groups"`
	Source     string          `json:"source"`
	Created    int64           `json:"created"`
	Modified   int64           `json:"modified"`
}

func toRoleResponse(role *credstore.Role) roleResponse {
	privs := role.Privileges
	if privs == nil {
		privs = map[string]bool{}
	}

	return roleResponse{
		ID:         role.ID,
		Title:      role.Title,
		Enabled:    role.Enabled,
		Privileges: privs,
		Notes:      role.Notes,
		Categories: nonNil(role.Categories),
		Groups:     nonNil(role.Groups),
		Source:     role.Source,
		Created:    role.Created,
		Modified:   role.Modified,
	}
}

// roleViewers may read roles. Admin comes last so a denial names it.
var roleViewers = []privilege.Privilege{
	privilege.CreateRoles,
	privilege.EditRoles,
	privilege.DeleteRoles,
	privilege.Admin,
}

// handleListRoles returns roles, paged by offset and limit.
func (s *server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeAny(w, r, roleViewers...); !ok {
		return
	}

	offset, limit := parsePage(r)

	roles, err := s.store.ListRoles(r.Context(), nil, offset, limit)
	if err != nil {
		s.internalError(w, err, "Failed to list roles")

		return
	}

	resp := make([]roleResponse, 0, len(roles))
	for i := range roles {
		resp = append(resp, toRoleResponse(&roles[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type createRoleRequest struct {
	ID         string         `json:"id" validate:"omitempty,recordid"`
	Title      string         `json:"title" validate:"required,max=255"`
	Enabled    *flexBool      `json:"enabled,omitempty"`
	Privileges map[string]any `json:"privileges"`
	Notes      string         `json:"notes" validate:"max=4096"`
	Categories []string       `json:"categories"`
	Groups     []string       `json:"groups"`
}

// handleCreateRole creates a new admin-sourced role.
func (s *server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorizeAny(w, r, privilege.Admin, privilege.CreateRoles)
	if !ok {
		return
	}

	var req createRoleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	grants, ok := s.validateGrants(w, r, codeRole, req.Privileges, nil)
	if !ok {
		return
	}

	if !s.requireHeld(w, principal, grants) {
		return
	}

	if grants == nil {
		grants = map[string]bool{}
	}

	if req.ID == "" {
		req.ID = credstore.NewID()
	}

	if _, err := s.store.GetRole(r.Context(), req.ID); err == nil {
		writeError(w, http.StatusConflict, codeRole, "Role already exists: "+req.ID)

		return
	} else if !isNotFound(err) {
		s.internalError(w, err, "Failed to load role")

		return
	}

	now := time.Now().Unix()

	role := &credstore.Role{
		ID:         req.ID,
		Title:      req.Title,
		Enabled:    boolOr(req.Enabled, true),
		Privileges: grants,
		Notes:      req.Notes,
		Categories: nonNil(req.Categories),
		Groups:     nonNil(req.Groups),
		Source:     credstore.SourceAdmin,
		Created:    now,
		Modified:   now,
	}

	if err := s.store.PutRole(r.Context(), role); err != nil {
		s.internalError(w, err, "Failed to create role")

		return
	}

	s.log.WithField("role", role.ID).
		WithField("by", principal.Subject()).
		Info("Role created")

	writeJSON(w, http.StatusCreated, toRoleResponse(role))
}

// handleGetRole returns a single role.
func (s *server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeAny(w, r, roleViewers...); !ok {
		return
	}

	role, ok := s.loadRole(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toRoleResponse(role))
}

type updateRoleRequest struct {
	Title      *string        `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Enabled    *flexBool      `json:"enabled,omitempty"`
	Privileges map[string]any `json:"privileges,omitempty"`
	Notes      *string        `json:"notes,omitempty" validate:"omitempty,max=4096"`
	Categories *[]string      `json:"categories,omitempty"`
	Groups     *[]string      `json:"groups,omitempty"`
}

// handleUpdateRole applies a partial update. Changes apply to every
// principal referencing the role on its next request.
func (s *server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorizeAny(w, r, privilege.Admin, privilege.EditRoles)
	if !ok {
		return
	}

	var req updateRoleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	role, ok := s.loadRole(w, r)
	if !ok {
		return
	}

	grants, ok := s.validateGrants(w, r, codeRole, req.Privileges, nil)
	if !ok {
		return
	}

	if !s.requireHeld(w, principal, role.Privileges) || !s.requireHeld(w, principal, grants) {
		return
	}

	if req.Title != nil {
		role.Title = *req.Title
	}

	if req.Enabled != nil {
		role.Enabled = bool(*req.Enabled)
	}

	if grants != nil {
		role.Privileges = grants
	}

	if req.Notes != nil {
		role.Notes = *req.Notes
	}

	if req.Categories != nil {
		role.Categories = nonNil(*req.Categories)
	}

	if req.Groups != nil {
		role.Groups = nonNil(*req.Groups)
	}

	role.Modified = time.Now().Unix()

	if err := s.store.PutRole(r.Context(), role); err != nil {
		s.internalError(w, err, "Failed to update role")

		return
	}

	s.log.WithField("role", role.ID).
		WithField("by", principal.Subject()).
		Info("Role updated")

	writeJSON(w, http.StatusOK, toRoleResponse(role))
}

// handleDeleteRole deletes a role. References to it held by users and API
// keys are left dangling and resolve to nothing.
func (s *server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorizeAny(w, r, privilege.Admin, privilege.DeleteRoles)
	if !ok {
		return
	}

	role, ok := s.loadRole(w, r)
	if !ok {
		return
	}

	if !s.requireHeld(w, principal, role.Privileges) {
		return
	}

	id := role.ID

	if err := s.store.DeleteRole(r.Context(), id); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeRole, "Role not found: "+id)

			return
		}

		s.internalError(w, err, "Failed to delete role")

		return
	}

	s.log.WithField("role", id).
		WithField("by", principal.Subject()).
		Info("Role deleted")

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) loadRole(
	w http.ResponseWriter, r *http.Request,
) (*credstore.Role, bool) {
	id := chi.URLParam(r, "id")

	role, err := s.store.GetRole(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeRole, "Role not found: "+id)

			return nil, false
		}

		s.internalError(w, err, "Failed to load role")

		return nil, false
	}

	return role, true
}
