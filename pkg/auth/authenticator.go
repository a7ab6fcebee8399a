package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/sirupsen/logrus"
)

// lastActiveInterval throttles session last_active writes.
const lastActiveInterval = time.Minute

// SessionMeta describes the client a session is created for.
type SessionMeta struct {
	IP        string
	UserAgent string
}

// Authenticator resolves credentials to principals and manages the
// session lifecycle.
type Authenticator interface {
	// Authenticate resolves credentials. Credential failures are returned
	// as *Error; anything else is an internal error.
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
	// Login verifies a password and opens a new session.
	Login(
		ctx context.Context, username, password string, meta SessionMeta,
	) (*Principal, error)
	// Logout destroys a session. Unknown tokens are not an error.
	Logout(ctx context.Context, token string) error
	// LogoutAll destroys every other session of the principal's user after
	// re-checking the password, returning the number removed.
	LogoutAll(ctx context.Context, p *Principal, password string) (int, error)
}

// Options configures an Authenticator.
type Options struct {
	SessionTTL time.Duration
	Hasher     PasswordHasher
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Compile-time interface check.
var _ Authenticator = (*authenticator)(nil)

type authenticator struct {
	log      logrus.FieldLogger
	store    credstore.Store
	resolver privilege.Resolver
	ttl      time.Duration
	hasher   PasswordHasher
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(
	log logrus.FieldLogger,
	store credstore.Store,
	resolver privilege.Resolver,
	opts Options,
) Authenticator {
	a := &authenticator{
		log:      log.WithField("component", "auth"),
		store:    store,
		resolver: resolver,
		ttl:      opts.SessionTTL,
		hasher:   opts.Hasher,
		now:      opts.Now,
	}

	if a.now == nil {
		a.now = time.Now
	}

	if a.hasher == nil {
		a.hasher = NewBcryptHasher()
	}

	if a.ttl <= 0 {
		a.ttl = 24 * time.Hour
	}

	return a
}

// Authenticate prefers a non-empty API key over any session token.
func (a *authenticator) Authenticate(
	ctx context.Context, creds Credentials,
) (*Principal, error) {
	switch {
	case creds.APIKey != "":
		return a.authenticateAPIKey(ctx, creds.APIKey)
	case creds.SessionID != "":
		return a.authenticateSession(ctx, creds.SessionID)
	default:
		return nil, SessionError(MsgNoCredentials)
	}
}

func (a *authenticator) authenticateSession(
	ctx context.Context, token string,
) (*Principal, error) {
	session, err := a.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, SessionError(MsgInvalidSession)
		}

		return nil, fmt.Errorf("loading session: %w", err)
	}

	// Storage keys are case-insensitive, tokens are not.
	if session.ID != token {
		return nil, SessionError(MsgInvalidSession)
	}

	now := a.now().Unix()

	if now > session.Expires {
		if err := a.store.DeleteSession(ctx, token); err != nil &&
			!errors.Is(err, credstore.ErrNotFound) {
			a.log.WithError(err).Warn("Failed to delete expired session")
		}

		return nil, SessionError(MsgSessionExpired)
	}

	user, err := a.store.GetUser(ctx, session.Username)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, SessionError(MsgInvalidUser)
		}

		return nil, fmt.Errorf("loading user: %w", err)
	}

	if !user.Active {
		return nil, SessionError(MsgInvalidUser)
	}

	privs, err := a.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("resolving privileges for %q: %w", user.Username, err)
	}

	if now-session.LastActive >= int64(lastActiveInterval/time.Second) {
		session.LastActive = now

		if err := a.store.TouchSession(ctx, session); err != nil {
			if errors.Is(err, credstore.ErrNotFound) {
				return nil, SessionError(MsgInvalidSession)
			}

			a.log.WithError(err).Warn("Failed to update session last active")
		}
	}

	return &Principal{
		User:       user,
		Session:    session,
		Privileges: privs,
	}, nil
}

func (a *authenticator) authenticateAPIKey(
	ctx context.Context, plain string,
) (*Principal, error) {
	key, err := a.store.GetAPIKeyByDigest(ctx, DigestAPIKey(plain))
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, SessionError(MsgInvalidAPIKey)
		}

		return nil, fmt.Errorf("loading api key: %w", err)
	}

	if !key.Active {
		return nil, SessionError(MsgAPIKeyDisabled)
	}

	if key.Expires != 0 && a.now().Unix() >= key.Expires {
		return nil, SessionError(MsgAPIKeyExpired)
	}

	privs, err := a.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolving privileges for api key %q: %w", key.ID, err)
	}

	return &Principal{
		APIKey:     key,
		Privileges: privs,
	}, nil
}

func (a *authenticator) Login(
	ctx context.Context, username, password string, meta SessionMeta,
) (*Principal, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	user, err := a.store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, SessionError(MsgBadLogin)
		}

		return nil, fmt.Errorf("loading user: %w", err)
	}

	if !user.Active || a.hasher.Compare(user.PasswordHash, password) != nil {
		a.log.WithField("username", username).Debug("Login rejected")

		return nil, SessionError(MsgBadLogin)
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, err
	}

	now := a.now()

	session := &credstore.Session{
		ID:         token,
		Username:   user.Username,
		Created:    now.Unix(),
		Expires:    now.Add(a.ttl).Unix(),
		LastActive: now.Unix(),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
	}

	if err := a.store.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	privs, err := a.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("resolving privileges for %q: %w", user.Username, err)
	}

	a.log.WithField("username", user.Username).Info("User logged in")

	return &Principal{
		User:       user,
		Session:    session,
		Privileges: privs,
	}, nil
}

func (a *authenticator) Logout(ctx context.Context, token string) error {
	if err := a.store.DeleteSession(ctx, token); err != nil &&
		!errors.Is(err, credstore.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (a *authenticator) LogoutAll(
	ctx context.Context, p *Principal, password string,
) (int, error) {
	if p == nil || p.User == nil || p.Session == nil {
		return 0, SessionError(MsgSessionRequired)
	}

	if a.hasher.Compare(p.User.PasswordHash, password) != nil {
		return 0, AccessError(MsgBadPassword)
	}

	username := p.User.Username
	current := p.Session.ID

	sessions, err := a.store.ListSessions(ctx, func(s *credstore.Session) bool {
		return s.Username == username && s.ID != current
	}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	removed := 0

	for _, s := range sessions {
		if err := a.store.DeleteSession(ctx, s.ID); err != nil {
			if errors.Is(err, credstore.ErrNotFound) {
				continue
			}

			return removed, fmt.Errorf("deleting session: %w", err)
		}

		removed++
	}

	a.log.WithField("username", username).
		WithField("count", removed).
		Info("Logged out other sessions")

	return removed, nil
}
