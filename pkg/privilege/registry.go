package privilege

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Privilege is the name of a single grantable capability.
type Privilege string

// Built-in privileges.
const (
	Admin           Privilege = "admin"
	CreateEvents    Privilege = "create_events"
	EditEvents      Privilege = "edit_events"
	DeleteEvents    Privilege = "delete_events"
	RunJobs         Privilege = "run_jobs"
	AbortJobs       Privilege = "abort_jobs"
	CreateTags      Privilege = "create_tags"
	EditTags        Privilege = "edit_tags"
	DeleteTags      Privilege = "delete_tags"
	CreateSnapshots Privilege = "create_snapshots"
	DeleteSnapshots Privilege = "delete_snapshots"
	CreateRoles     Privilege = "create_roles"
	EditRoles       Privilege = "edit_roles"
	DeleteRoles     Privilege = "delete_roles"
)

// ErrUnknownPrivilege is returned when a privilege name is not registered.
var ErrUnknownPrivilege = errors.New("unknown privilege")

var defaultTitles = map[Privilege]string{
	Admin:           "Administrator",
	CreateEvents:    "Create Events",
	EditEvents:      "Edit Events",
	DeleteEvents:    "Delete Events",
	RunJobs:         "Run Jobs",
	AbortJobs:       "Abort Jobs",
	CreateTags:      "Create Tags",
	EditTags:        "Edit Tags",
	DeleteTags:      "Delete Tags",
	CreateSnapshots: "Create Snapshots",
	DeleteSnapshots: "Delete Snapshots",
	CreateRoles:     "Create Roles",
	EditRoles:       "Edit Roles",
	DeleteRoles:     "Delete Roles",
}

// Definition describes a registered privilege.
type Definition struct {
	ID    Privilege `json:"id"`
	Title string    `json:"title"`
}

// Registry is the closed set of privileges the system knows about. It is
// immutable after construction and safe for concurrent use.
type Registry struct {
	titles map[Privilege]string
}

// NewRegistry returns a registry holding the built-in privileges plus the
// given extensions (name -> human-readable title). Extensions may override
// built-in titles.
func NewRegistry(extra map[string]string) *Registry {
	titles := make(map[Privilege]string, len(defaultTitles)+len(extra))
	for p, title := range defaultTitles {
		titles[p] = title
	}

	for name, title := range extra {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}

		if title == "" {
			title = name
		}

		titles[Privilege(name)] = title
	}

	return &Registry{titles: titles}
}

// Known reports whether p is registered.
func (r *Registry) Known(p Privilege) bool {
	_, ok := r.titles[p]

	return ok
}

// Title returns the human-readable name of p, or the raw name when p is
// not registered.
func (r *Registry) Title(p Privilege) string {
	if title, ok := r.titles[p]; ok {
		return title
	}

	return string(p)
}

// Definitions lists every registered privilege sorted by id.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.titles))
	for p, title := range r.titles {
		defs = append(defs, Definition{ID: p, Title: title})
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].ID < defs[j].ID
	})

	return defs
}

// Parse validates a stored or configured privilege map against the
// registry. Any unknown name fails the whole map.
func (r *Registry) Parse(raw map[string]bool) (Set, error) {
	set := make(Set, len(raw))

	for name, granted := range raw {
		p := Privilege(name)
		if !r.Known(p) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPrivilege, name)
		}

		set[p] = granted
	}

	return set, nil
}

// ParseGrants is Parse for loosely typed request payloads, where a grant
// may be sent as a boolean, a number or a string ("1", "true").
func (r *Registry) ParseGrants(raw map[string]any) (Set, error) {
	bools := make(map[string]bool, len(raw))

	for name, v := range raw {
		granted, err := truthy(v)
		if err != nil {
			return nil, fmt.Errorf("privilege %q: %w", name, err)
		}

		bools[name] = granted
	}

	return r.Parse(bools)
}

func truthy(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case string:
		if t == "" {
			return false, nil
		}

		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("invalid value %q", t)
		}

		return b, nil
	default:
		return false, fmt.Errorf("invalid value type %T", v)
	}
}
