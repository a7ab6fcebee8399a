package privilege

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Set is an effective privilege mapping. Absent keys are denied.
type Set map[Privilege]bool

// Has reports whether p is explicitly granted.
func (s Set) Has(p Privilege) bool {
	return s[p]
}

// Granted returns the granted privileges as a plain map, dropping explicit
// denials. Used for API responses.
func (s Set) Granted() map[string]bool {
	out := make(map[string]bool, len(s))

	for p, ok := range s {
		if ok {
			out[string(p)] = true
		}
	}

	return out
}

// Grantee is a principal record holding direct grants and role references.
type Grantee interface {
	DirectPrivileges() map[string]bool
	RoleIDs() []string
}

// RoleGrants is the part of a role the resolver cares about.
type RoleGrants struct {
	Enabled    bool
	Privileges map[string]bool
}

// RoleSource looks up roles by id. LookupRole returns (nil, nil) when the
// role does not exist.
type RoleSource interface {
	LookupRole(ctx context.Context, id string) (*RoleGrants, error)
}

// Resolver computes effective privileges.
type Resolver interface {
	Resolve(ctx context.Context, g Grantee) (Set, error)
}

// Compile-time interface check.
var _ Resolver = (*resolver)(nil)

type resolver struct {
	log      logrus.FieldLogger
	roles    RoleSource
	registry *Registry
}

// NewResolver creates a Resolver reading roles from the given source on
// every call.
func NewResolver(
	log logrus.FieldLogger,
	roles RoleSource,
	registry *Registry,
) Resolver {
	return &resolver{
		log:      log.WithField("component", "privilege"),
		roles:    roles,
		registry: registry,
	}
}

// Resolve merges direct grants with the grants of every enabled role the
// grantee references. A key set by a direct grant is never overwritten, and
// between roles the first one in order wins.
func (r *resolver) Resolve(ctx context.Context, g Grantee) (Set, error) {
	set := make(Set, 8)

	r.merge(set, g.DirectPrivileges(), "direct")

	for _, id := range g.RoleIDs() {
		role, err := r.roles.LookupRole(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("looking up role %q: %w", id, err)
		}

		if role == nil || !role.Enabled {
			continue
		}

		r.merge(set, role.Privileges, "role:"+id)
	}

	return set, nil
}

func (r *resolver) merge(set Set, grants map[string]bool, source string) {
	for name, granted := range grants {
		p := Privilege(name)
		if !r.registry.Known(p) {
			r.log.WithField("privilege", name).
				WithField("source", source).
				Warn("Ignoring unknown privilege")

			continue
		}

		if _, exists := set[p]; exists {
			continue
		}

		set[p] = granted
	}
}
