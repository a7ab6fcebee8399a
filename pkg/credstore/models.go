package credstore

import (
	"regexp"
)

// Record source constants.
const (
	SourceConfig = "config"
	SourceAdmin  = "admin"
)

// Kind is the top-level key segment a record type lives under.
type Kind string

// Record kinds.
const (
	KindUsers         Kind = "users"
	KindSessions      Kind = "sessions"
	KindAPIKeys       Kind = "api_keys"
	KindAPIKeyDigests Kind = "api_key_digests"
	KindRoles         Kind = "roles"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.@]+$`)

// ValidID reports whether id can be used as a record id or username.
func ValidID(id string) bool {
	return len(id) <= 128 && idPattern.MatchString(id)
}

// User is a human account.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	FullName     string          `json:"full_name,omitempty"`
	PasswordHash string          `json:"password_hash"`
	Privileges   map[string]bool `json:"privileges"`
	Roles        []string        `json:"roles"`
	Active       bool            `json:"active"`
	Source       string          `json:"source"`
	Created      int64           `json:"created"`
	Modified     int64           `json:"modified"`
}

// DirectPrivileges implements privilege.Grantee.
func (u *User) DirectPrivileges() map[string]bool { return u.Privileges }

// RoleIDs implements privilege.Grantee.
func (u *User) RoleIDs() []string { return u.Roles }

// Session is a login session. It carries no privilege data; privileges
// are always resolved from the user at check time.
type Session struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Created    int64  `json:"created"`
	Expires    int64  `json:"expires"`
	LastActive int64  `json:"last_active"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"useragent,omitempty"`
}

// APIKey is a programmatic credential. Key holds the digest of the
// plaintext secret, which is never stored.
type APIKey struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Key         string          `json:"key"`
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

// DirectPrivileges implements privilege.Grantee.
func (k *APIKey) DirectPrivileges() map[string]bool { return k.Privileges }

// RoleIDs implements privilege.Grantee.
func (k *APIKey) RoleIDs() []string { return k.Roles }

// Role is a named, shareable bundle of privileges.
type Role struct {
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

type digestIndex struct {
	ID string `json:"id"`
}
