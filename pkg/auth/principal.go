package auth

import (
	"net/http"

	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
)

// Principal is an authenticated identity. Exactly one of User or APIKey
// is set. Session is set for session-authenticated users only.
type Principal struct {
	User       *credstore.User
	APIKey     *credstore.APIKey
	Session    *credstore.Session
	Privileges privilege.Set
}

// IsAPIKey reports whether the principal authenticated with an API key.
func (p *Principal) IsAPIKey() bool {
	return p != nil && p.APIKey != nil
}

// Has reports whether the principal's effective privileges include priv.
func (p *Principal) Has(priv privilege.Privilege) bool {
	if p == nil {
		return false
	}

	return p.Privileges.Has(priv)
}

// Username returns the user's name, or the creating user's name for an
// API key.
func (p *Principal) Username() string {
	switch {
	case p == nil:
		return ""
	case p.User != nil:
		return p.User.Username
	case p.APIKey != nil:
		return p.APIKey.Username
	default:
		return ""
	}
}

// Subject identifies the principal in logs without exposing secrets.
func (p *Principal) Subject() string {
	switch {
	case p == nil:
		return "anonymous"
	case p.APIKey != nil:
		return "apikey:" + p.APIKey.ID
	case p.User != nil:
		return "user:" + p.User.Username
	default:
		return "anonymous"
	}
}

// HeaderNames names where credentials are read from on a request.
type HeaderNames struct {
	SessionHeader string
	SessionCookie string
	APIKeyHeader  string
}

// Credentials are the raw credentials presented by a request.
type Credentials struct {
	SessionID string
	APIKey    string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return c.SessionID == "" && c.APIKey == ""
}

// CredentialsFromRequest reads the API key header, then the session
// header, falling back to the session cookie.
func CredentialsFromRequest(r *http.Request, names HeaderNames) Credentials {
	creds := Credentials{
		APIKey:    r.Header.Get(names.APIKeyHeader),
		SessionID: r.Header.Get(names.SessionHeader),
	}

	if creds.SessionID == "" && names.SessionCookie != "" {
		if cookie, err := r.Cookie(names.SessionCookie); err == nil {
			creds.SessionID = cookie.Value
		}
	}

	return creds
}
