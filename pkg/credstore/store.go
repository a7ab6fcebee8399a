package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = storage.ErrNotFound

// PasswordHasher produces the one-way digest stored for a password.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Store provides typed CRUD over the credential records. It holds no
// business logic and performs no optimistic locking.
type Store interface {
	// User CRUD.
	GetUser(ctx context.Context, username string) (*User, error)
	PutUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(
		ctx context.Context, match func(*User) bool, offset, limit int,
	) ([]User, error)

	// Session CRUD.
	GetSession(ctx context.Context, id string) (*Session, error)
	PutSession(ctx context.Context, session *Session) error
	// TouchSession rewrites an existing session and returns ErrNotFound
	// if it has been deleted in the meantime.
	TouchSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(
		ctx context.Context, match func(*Session) bool, offset, limit int,
	) ([]Session, error)

	// API key CRUD.
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	GetAPIKeyByDigest(ctx context.Context, digest string) (*APIKey, error)
	PutAPIKey(ctx context.Context, key *APIKey) error
	DeleteAPIKey(ctx context.Context, id string) error
	ListAPIKeys(
		ctx context.Context, match func(*APIKey) bool, offset, limit int,
	) ([]APIKey, error)

	// Role CRUD.
	GetRole(ctx context.Context, id string) (*Role, error)
	PutRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(
		ctx context.Context, match func(*Role) bool, offset, limit int,
	) ([]Role, error)

	// LookupRole adapts roles for the privilege resolver.
	LookupRole(ctx context.Context, id string) (*privilege.RoleGrants, error)

	// Seeding from config.
	SeedUsers(
		ctx context.Context, users []config.SeedUser, hasher PasswordHasher,
	) error
	SeedRoles(ctx context.Context, roles []config.SeedRole) error
}

// Compile-time interface checks.
var (
	_ Store                = (*store)(nil)
	_ privilege.RoleSource = (*store)(nil)
)

type store struct {
	log     logrus.FieldLogger
	storage storage.Storage
}

// NewStore creates a credential Store on top of the given storage.
func NewStore(log logrus.FieldLogger, s storage.Storage) Store {
	return &store{
		log:     log.WithField("component", "credstore"),
		storage: s,
	}
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

func recordKey(kind Kind, id string) string {
	return string(kind) + "/" + id
}

func getRecord[T any](
	ctx context.Context, s storage.Storage, kind Kind, id string,
) (*T, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty %s id", ErrNotFound, kind)
	}

	data, err := s.Get(ctx, recordKey(kind, id))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			// A malformed id can never name a record.
			return nil, fmt.Errorf("%w: %s", ErrNotFound, err)
		}

		return nil, err
	}

	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s %q: %w", kind, id, err)
	}

	return &rec, nil
}

func putRecord(
	ctx context.Context, s storage.Storage, kind Kind, id string, rec any,
) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s id %q", storage.ErrInvalidKey, kind, id)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s %q: %w", kind, id, err)
	}

	if err := s.Put(ctx, recordKey(kind, id), data); err != nil {
		return fmt.Errorf("storing %s %q: %w", kind, id, err)
	}

	return nil
}

// updateRecord is putRecord for records that must already exist.
func updateRecord(
	ctx context.Context, s storage.Storage, kind Kind, id string, rec any,
) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s id %q", ErrNotFound, kind, id)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s %q: %w", kind, id, err)
	}

	if err := s.Update(ctx, recordKey(kind, id), data); err != nil {
		return fmt.Errorf("updating %s %q: %w", kind, id, err)
	}

	return nil
}

func deleteRecord(
	ctx context.Context, s storage.Storage, kind Kind, id string,
) error {
	if err := s.Delete(ctx, recordKey(kind, id)); err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		}

		return err
	}

	return nil
}

// listRecords loads every record of kind, keeps those accepted by match
// (nil matches all) and then applies offset and limit.
func listRecords[T any](
	ctx context.Context,
	s storage.Storage,
	kind Kind,
	match func(*T) bool,
	offset, limit int,
) ([]T, error) {
	keys, err := s.ListFind(ctx, string(kind), storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}

	out := make([]T, 0, len(keys))
	skipped := 0

	for _, key := range keys {
		data, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Deleted between list and get.
				continue
			}

			return nil, fmt.Errorf("loading %q: %w", key, err)
		}

		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", key, err)
		}

		if match != nil && !match(&rec) {
			continue
		}

		if skipped < offset {
			skipped++

			continue
		}

		out = append(out, rec)

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func now() int64 {
	return time.Now().Unix()
}

// --- Users ---

func (s *store) GetUser(ctx context.Context, username string) (*User, error) {
	return getRecord[User](ctx, s.storage, KindUsers, username)
}

func (s *store) PutUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = NewID()
	}

	return putRecord(ctx, s.storage, KindUsers, user.Username, user)
}

func (s *store) DeleteUser(ctx context.Context, username string) error {
	return deleteRecord(ctx, s.storage, KindUsers, username)
}

func (s *store) ListUsers(
	ctx context.Context, match func(*User) bool, offset, limit int,
) ([]User, error) {
	return listRecords(ctx, s.storage, KindUsers, match, offset, limit)
}

// --- Sessions ---

func (s *store) GetSession(ctx context.Context, id string) (*Session, error) {
	return getRecord[Session](ctx, s.storage, KindSessions, id)
}

func (s *store) PutSession(ctx context.Context, session *Session) error {
	return putRecord(ctx, s.storage, KindSessions, session.ID, session)
}

func (s *store) TouchSession(ctx context.Context, session *Session) error {
	return updateRecord(ctx, s.storage, KindSessions, session.ID, session)
}

func (s *store) DeleteSession(ctx context.Context, id string) error {
	return deleteRecord(ctx, s.storage, KindSessions, id)
}

func (s *store) ListSessions(
	ctx context.Context, match func(*Session) bool, offset, limit int,
) ([]Session, error) {
	return listRecords(ctx, s.storage, KindSessions, match, offset, limit)
}

// --- API keys ---

func (s *store) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	return getRecord[APIKey](ctx, s.storage, KindAPIKeys, id)
}

// GetAPIKeyByDigest resolves a key through the digest index.
func (s *store) GetAPIKeyByDigest(
	ctx context.Context, digest string,
) (*APIKey, error) {
	idx, err := getRecord[digestIndex](ctx, s.storage, KindAPIKeyDigests, digest)
	if err != nil {
		return nil, err
	}

	key, err := s.GetAPIKey(ctx, idx.ID)
	if err != nil {
		return nil, err
	}

	// Guard against a stale index entry pointing at a reissued id.
	if key.Key != digest {
		return nil, fmt.Errorf("%w: api key digest mismatch", ErrNotFound)
	}

	return key, nil
}

// PutAPIKey stores the key and its digest index entry.
func (s *store) PutAPIKey(ctx context.Context, key *APIKey) error {
	if key.Key == "" {
		return fmt.Errorf("api key %q has no digest", key.ID)
	}

	if err := putRecord(ctx, s.storage, KindAPIKeys, key.ID, key); err != nil {
		return err
	}

	return putRecord(
		ctx, s.storage, KindAPIKeyDigests, key.Key, digestIndex{ID: key.ID},
	)
}

func (s *store) DeleteAPIKey(ctx context.Context, id string) error {
	key, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}

	if err := deleteRecord(ctx, s.storage, KindAPIKeyDigests, key.Key); err != nil &&
		!errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting api key index: %w", err)
	}

	return deleteRecord(ctx, s.storage, KindAPIKeys, id)
}

func (s *store) ListAPIKeys(
	ctx context.Context, match func(*APIKey) bool, offset, limit int,
) ([]APIKey, error) {
	return listRecords(ctx, s.storage, KindAPIKeys, match, offset, limit)
}

// --- Roles ---

func (s *store) GetRole(ctx context.Context, id string) (*Role, error) {
	return getRecord[Role](ctx, s.storage, KindRoles, id)
}

func (s *store) PutRole(ctx context.Context, role *Role) error {
	return putRecord(ctx, s.storage, KindRoles, role.ID, role)
}

func (s *store) DeleteRole(ctx context.Context, id string) error {
	return deleteRecord(ctx, s.storage, KindRoles, id)
}

func (s *store) ListRoles(
	ctx context.Context, match func(*Role) bool, offset, limit int,
) ([]Role, error) {
	return listRecords(ctx, s.storage, KindRoles, match, offset, limit)
}

// LookupRole returns (nil, nil) for missing roles so that dangling
// references resolve to no privileges.
func (s *store) LookupRole(
	ctx context.Context, id string,
) (*privilege.RoleGrants, error) {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &privilege.RoleGrants{
		Enabled:    role.Enabled,
		Privileges: role.Privileges,
	}, nil
}
