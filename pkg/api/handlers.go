package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/gate"
)

// Error codes for entity-level failures.
const (
	codeBadRequest = "bad_request"
	codeAPIKey     = "api_key"
	codeRole       = "role"
	codeUser       = "user"
	codeServer     = "server"
	codeTag        = "tag"
)

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError writes the standard error payload.
func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, gate.ErrorBody{Code: code, Description: description})
}

// writeAuthError writes an *auth.Error with the status its kind implies,
// or a 500 for anything else.
func (s *server) writeAuthError(w http.ResponseWriter, err error) {
	authErr, ok := auth.AsError(err)
	if !ok {
		s.internalError(w, err, "Auth operation failed")

		return
	}

	status := http.StatusUnauthorized
	if authErr.Kind == auth.KindAccess {
		status = http.StatusForbidden
	}

	writeError(w, status, string(authErr.Kind), authErr.Message)
}

func (s *server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.WithError(err).Error(msg)
	writeError(w, http.StatusInternalServerError, gate.CodeInternal, "internal error")
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public bootstrap configuration. Clients use it
// to discover the credential header names, so it is master-checked.
func (s *server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.gate.RequireMaster(w, r) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"session_header": s.cfg.Auth.SessionHeader,
			"session_cookie": s.cfg.Auth.SessionCookie,
			"api_key_header": s.cfg.Auth.APIKeyHeader,
			"session_ttl":    s.cfg.Auth.SessionTTL,
		},
		"cluster": map[string]any{
			"node_id": s.cfg.Cluster.NodeID,
			"master":  s.cluster.MasterHost(),
		},
	})
}

// --- Auth handlers ---

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	SessionID  string          `json:"session_id"`
	Expires    int64           `json:"expires"`
	User       userResponse    `json:"user"`
	Privileges map[string]bool `json:"privileges"`
}

// handleLogin authenticates a user with username/password and creates a session.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.gate.RequireMaster(w, r) {
		return
	}

	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	principal, err := s.authn.Login(r.Context(), req.Username, req.Password, auth.SessionMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.SessionCookie,
		Value:    principal.Session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(s.cfg.Auth.SessionTTLDuration().Seconds()),
	})

	writeJSON(w, http.StatusOK, loginResponse{
		SessionID:  principal.Session.ID,
		Expires:    principal.Session.Expires,
		User:       toUserResponse(principal.User),
		Privileges: principal.Privileges.Granted(),
	})
}

// handleLogout destroys the current session.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.gate.RequireMaster(w, r) {
		return
	}

	creds := auth.CredentialsFromRequest(r, headerNames(&s.cfg.Auth))
	if creds.SessionID != "" {
		if err := s.authn.Logout(r.Context(), creds.SessionID); err != nil {
			s.internalError(w, err, "Failed to delete session")

			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Auth.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type logoutAllRequest struct {
	Password string `json:"password" validate:"required"`
}

// handleLogoutAll destroys every other session of the current user.
func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var req logoutAllRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	removed, err := s.authn.LogoutAll(r.Context(), principal, req.Password)
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type meResponse struct {
	User       *userResponse   `json:"user,omitempty"`
	APIKey     *apiKeyResponse `json:"api_key,omitempty"`
	Privileges map[string]bool `json:"privileges"`
}

// handleMe returns the current principal and its effective privileges.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authorize(w, r)
	if !ok {
		return
	}

	resp := meResponse{Privileges: principal.Privileges.Granted()}

	if principal.User != nil {
		u := toUserResponse(principal.User)
		resp.User = &u
	}

	if principal.APIKey != nil {
		k := toAPIKeyResponse(principal.APIKey)
		resp.APIKey = &k
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListPrivileges returns every registered privilege with its title.
func (s *server) handleListPrivileges(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}

	writeJSON(w, http.StatusOK, s.registry.Definitions())
}

// parseGrants validates a raw privilege map against the registry.
func (s *server) parseGrants(raw map[string]any) (map[string]bool, error) {
	set, err := s.registry.ParseGrants(raw)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(set))
	for p, v := range set {
		out[string(p)] = v
	}

	return out, nil
}

// missingRole returns the first role id that does not exist.
func (s *server) missingRole(r *http.Request, roles []string) (string, error) {
	for _, id := range roles {
		if _, err := s.store.GetRole(r.Context(), id); err != nil {
			if isNotFound(err) {
				return id, nil
			}

			return "", err
		}
	}

	return "", nil
}

// validateGrants checks privileges and role references in one go and
// writes a 400 with the given entity code on failure.
func (s *server) validateGrants(
	w http.ResponseWriter,
	r *http.Request,
	code string,
	raw map[string]any,
	roles []string,
) (map[string]bool, bool) {
	var grants map[string]bool

	if raw != nil {
		parsed, err := s.parseGrants(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, code, err.Error())

			return nil, false
		}

		grants = parsed
	}

	missing, err := s.missingRole(r, roles)
	if err != nil {
		s.internalError(w, err, "Failed to load role")

		return nil, false
	}

	if missing != "" {
		writeError(w, http.StatusBadRequest, code, "Role not found: "+missing)

		return nil, false
	}

	return grants, true
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, credstore.ErrNotFound)
}

// clientIP returns the remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
