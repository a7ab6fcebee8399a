package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/go-chi/chi/v5"
)

// --- User management ---

type userResponse struct {
	ID         string          `json:"id"`
	Username   string          `json:"username"`
	FullName   string          `json:"full_name,omitempty"`
	Privileges map[string]bool `json:"privileges"`
	Roles      []string        `json:"roles"`
	Active     bool            `json:"active"`
	Source     string          `json:"source"`
	Created    int64           `json:"created"`
	Modified   int64           `json:"modified"`
}

// toUserResponse never includes the password hash.
func toUserResponse(u *credstore.User) userResponse {
	privs := u.Privileges
	if privs == nil {
		privs = map[string]bool{}
	}

	return userResponse{
		ID:         u.ID,
		Username:   u.Username,
		FullName:   u.FullName,
		Privileges: privs,
		Roles:      nonNil(u.Roles),
		Active:     u.Active,
		Source:     u.Source,
		Created:    u.Created,
		Modified:   u.Modified,
	}
}

// handleListUsers returns users, paged by offset and limit.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, privilege.Admin); !ok {
		return
	}

	offset, limit := parsePage(r)

	users, err := s.store.ListUsers(r.Context(), nil, offset, limit)
	if err != nil {
		s.internalError(w, err, "Failed to list users")

		return
	}

	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type createUserRequest struct {
	Username   string         `json:"username" validate:"required,recordid"`
	Password   string         `json:"password" validate:"required"`
	FullName   string         `json:"full_name" validate:"max=255"`
	Privileges map[string]any `json:"privileges"`
	Roles      []string       `json:"roles" validate:"dive,recordid"`
	Active     *flexBool      `json:"active,omitempty"`
}

// handleCreateUser creates a new admin-sourced user.
func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.Admin)
	if !ok {
		return
	}

	var req createUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	grants, ok := s.validateGrants(w, r, codeUser, req.Privileges, req.Roles)
	if !ok {
		return
	}

	if grants == nil {
		grants = map[string]bool{}
	}

	username := strings.ToLower(req.Username)

	if _, err := s.store.GetUser(r.Context(), username); err == nil {
		writeError(w, http.StatusConflict, codeUser, "User already exists: "+username)

		return
	} else if !isNotFound(err) {
		s.internalError(w, err, "Failed to load user")

		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.internalError(w, err, "Failed to hash password")

		return
	}

	now := time.Now().Unix()

	user := &credstore.User{
		ID:           credstore.NewID(),
		Username:     username,
		FullName:     req.FullName,
		PasswordHash: hash,
		Privileges:   grants,
		Roles:        nonNil(req.Roles),
		Active:       boolOr(req.Active, true),
		Source:       credstore.SourceAdmin,
		Created:      now,
		Modified:     now,
	}

	if err := s.store.PutUser(r.Context(), user); err != nil {
		s.internalError(w, err, "Failed to create user")

		return
	}

	s.log.WithField("username", username).
		WithField("by", principal.Subject()).
		Info("User created")

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// handleGetUser returns a single user.
func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, privilege.Admin); !ok {
		return
	}

	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

type updateUserRequest struct {
	Password   *string        `json:"password,omitempty" validate:"omitempty,min=1"`
	FullName   *string        `json:"full_name,omitempty" validate:"omitempty,max=255"`
	Privileges map[string]any `json:"privileges,omitempty"`
	Roles      *[]string      `json:"roles,omitempty" validate:"omitempty,dive,recordid"`
	Active     *flexBool      `json:"active,omitempty"`
}

// handleUpdateUser applies a partial update. A user cannot deactivate
// itself.
func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.Admin)
	if !ok {
		return
	}

	var req updateUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}

	if req.Active != nil && !bool(*req.Active) && isSelf(principal.User, user) {
		writeError(w, http.StatusBadRequest, codeUser, "You cannot deactivate your own account")

		return
	}

	var roles []string
	if req.Roles != nil {
		roles = *req.Roles
	}

	grants, ok := s.validateGrants(w, r, codeUser, req.Privileges, roles)
	if !ok {
		return
	}

	if req.Password != nil {
		hash, err := s.hasher.Hash(*req.Password)
		if err != nil {
			s.internalError(w, err, "Failed to hash password")

			return
		}

		user.PasswordHash = hash
	}

	if req.FullName != nil {
		user.FullName = *req.FullName
	}

	if grants != nil {
		user.Privileges = grants
	}

	if req.Roles != nil {
		user.Roles = nonNil(roles)
	}

	if req.Active != nil {
		user.Active = bool(*req.Active)
	}

	user.Modified = time.Now().Unix()

	if err := s.store.PutUser(r.Context(), user); err != nil {
		s.internalError(w, err, "Failed to update user")

		return
	}

	s.log.WithField("username", user.Username).
		WithField("by", principal.Subject()).
		Info("User updated")

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// handleDeleteUser deletes a user and its sessions. A user cannot delete
// itself.
func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r, privilege.Admin)
	if !ok {
		return
	}

	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}

	if isSelf(principal.User, user) {
		writeError(w, http.StatusBadRequest, codeUser, "You cannot delete your own account")

		return
	}

	if err := s.store.DeleteUser(r.Context(), user.Username); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeUser, "User not found: "+user.Username)

			return
		}

		s.internalError(w, err, "Failed to delete user")

		return
	}

	sessions, err := s.store.ListSessions(r.Context(), func(sess *credstore.Session) bool {
		return sess.Username == user.Username
	}, 0, 0)
	if err != nil {
		s.log.WithError(err).Warn("Failed to list sessions of deleted user")
	}

	for _, sess := range sessions {
		if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil && !isNotFound(err) {
			s.log.WithError(err).Warn("Failed to delete session of deleted user")
		}
	}

	s.log.WithField("username", user.Username).
		WithField("by", principal.Subject()).
		Info("User deleted")

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *server) loadUser(
	w http.ResponseWriter, r *http.Request,
) (*credstore.User, bool) {
	username := strings.ToLower(chi.URLParam(r, "username"))

	user, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, codeUser, "User not found: "+username)

			return nil, false
		}

		s.internalError(w, err, "Failed to load user")

		return nil, false
	}

	return user, true
}

// isSelf reports whether the acting user and the target are the same
// account. API key principals are never self.
func isSelf(actor, target *credstore.User) bool {
	return actor != nil && strings.EqualFold(actor.Username, target.Username)
}
