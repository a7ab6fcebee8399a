package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/gatekeeper/pkg/config"
)

// SeedUsers upserts config-sourced users. Only users with source="config"
// are updated; users created by admins are preserved.
func (s *store) SeedUsers(
	ctx context.Context, users []config.SeedUser, hasher PasswordHasher,
) error {
	for _, u := range users {
		hash, err := hasher.Hash(u.Password)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		username := strings.ToLower(strings.TrimSpace(u.Username))

		existing, err := s.GetUser(ctx, username)

		switch {
		case err == nil && existing.Source != SourceConfig:
			s.log.WithField("username", username).
				Warn("Config user shadowed by admin-created user, skipping")

			continue
		case err == nil:
			existing.PasswordHash = hash
			existing.Privileges = u.Privileges
			existing.Roles = u.Roles
			existing.Active = true
			existing.Modified = now()

			if err := s.PutUser(ctx, existing); err != nil {
				return fmt.Errorf("updating config user %q: %w", username, err)
			}
		case errors.Is(err, ErrNotFound):
			ts := now()

			if err := s.PutUser(ctx, &User{
				ID:           NewID(),
				Username:     username,
				PasswordHash: hash,
				Privileges:   u.Privileges,
				Roles:        u.Roles,
				Active:       true,
				Source:       SourceConfig,
				Created:      ts,
				Modified:     ts,
			}); err != nil {
				return fmt.Errorf("seeding config user %q: %w", username, err)
			}
		default:
			return fmt.Errorf("loading user %q: %w", username, err)
		}
	}

	s.log.WithField("count", len(users)).
		Info("Seeded users from config")

	return nil
}

// SeedRoles upserts config-sourced roles with the same precedence rules
// as SeedUsers.
func (s *store) SeedRoles(ctx context.Context, roles []config.SeedRole) error {
	for _, r := range roles {
		existing, err := s.GetRole(ctx, r.ID)

		switch {
		case err == nil && existing.Source != SourceConfig:
			s.log.WithField("role", r.ID).
				Warn("Config role shadowed by admin-created role, skipping")

			continue
		case err == nil:
			existing.Title = r.Title
			existing.Enabled = !r.Disabled
			existing.Notes = r.Notes
			existing.Privileges = r.Privileges
			existing.Modified = now()

			if err := s.PutRole(ctx, existing); err != nil {
				return fmt.Errorf("updating config role %q: %w", r.ID, err)
			}
		case errors.Is(err, ErrNotFound):
			ts := now()

			if err := s.PutRole(ctx, &Role{
				ID:         r.ID,
				Title:      r.Title,
				Enabled:    !r.Disabled,
				Notes:      r.Notes,
				Privileges: r.Privileges,
				Categories: []string{},
				Groups:     []string{},
				Source:     SourceConfig,
				Created:    ts,
				Modified:   ts,
			}); err != nil {
				return fmt.Errorf("seeding config role %q: %w", r.ID, err)
			}
		default:
			return fmt.Errorf("loading role %q: %w", r.ID, err)
		}
	}

	s.log.WithField("count", len(roles)).
		Info("Seeded roles from config")

	return nil
}
