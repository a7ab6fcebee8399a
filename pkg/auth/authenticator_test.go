package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHasher struct{}

func (testHasher) Hash(password string) (string, error) {
	return "h:" + password, nil
}

func (testHasher) Compare(hash, password string) error {
	if hash != "h:"+password {
		return ErrPasswordMismatch
	}

	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type testEnv struct {
	store credstore.Store
	auth  Authenticator
	clock *testClock
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := storage.NewStorage(log, &config.StorageConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	st := credstore.NewStore(log, s)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	resolver := privilege.NewResolver(log, st, privilege.NewRegistry(nil))

	return &testEnv{
		store: st,
		clock: clock,
		auth: NewAuthenticator(log, st, resolver, Options{
			SessionTTL: time.Hour,
			Hasher:     testHasher{},
			Now:        clock.Now,
		}),
	}
}

// deletingStore removes each session as soon as it has been loaded, like a
// logout landing between the read and the last-active write.
type deletingStore struct {
	credstore.Store
}

func (s *deletingStore) GetSession(ctx context.Context, id string) (*credstore.Session, error) {
	session, err := s.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.Store.DeleteSession(ctx, id); err != nil {
		return nil, err
	}

	return session, nil
}

func (e *testEnv) addUser(t *testing.T, username string, active bool) {
	t.Helper()

	require.NoError(t, e.store.PutUser(context.Background(), &credstore.User{
		Username:     username,
		PasswordHash: "h:secret",
		Privileges:   map[string]bool{"create_tags": true},
		Active:       active,
	}))
}

func (e *testEnv) addKey(t *testing.T, plain string, mutate func(*credstore.APIKey)) *credstore.APIKey {
	t.Helper()

	key := &credstore.APIKey{
		ID:         credstore.NewID(),
		Title:      "test",
		Key:        DigestAPIKey(plain),
		Mask:       MaskAPIKey(plain),
		Active:     true,
		Privileges: map[string]bool{},
	}

	if mutate != nil {
		mutate(key)
	}

	require.NoError(t, e.store.PutAPIKey(context.Background(), key))

	return key
}

func requireAuthError(t *testing.T, err error, kind Kind, msg string) {
	t.Helper()

	authErr, ok := AsError(err)
	require.True(t, ok, "expected *auth.Error, got %v", err)
	assert.Equal(t, kind, authErr.Kind)
	assert.Equal(t, msg, authErr.Message)
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	env := setupTestEnv(t)

	_, err := env.auth.Authenticate(context.Background(), Credentials{})
	requireAuthError(t, err, KindSession, MsgNoCredentials)
}

func TestAuthenticate_Session(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)

	p, err := env.auth.Login(ctx, " Alice ", "secret", SessionMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, p.Session)
	assert.Len(t, p.Session.ID, 64)
	assert.Equal(t, "10.0.0.1", p.Session.IP)

	got, err := env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username())
	assert.True(t, got.Has(privilege.CreateTags))
	assert.False(t, got.IsAPIKey())

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: "deadbeef"})
	requireAuthError(t, err, KindSession, MsgInvalidSession)
}

func TestAuthenticate_SessionExpiry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)

	p, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
	require.NoError(t, err)

	// Exactly at expiry is still valid.
	env.clock.now = env.clock.now.Add(time.Hour)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	require.NoError(t, err)

	env.clock.now = env.clock.now.Add(time.Second)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	requireAuthError(t, err, KindSession, MsgSessionExpired)

	// Expired sessions are deleted.
	_, err = env.store.GetSession(ctx, p.Session.ID)
	require.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestAuthenticate_SessionInactiveUser(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)

	p, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
	require.NoError(t, err)

	user, err := env.store.GetUser(ctx, "alice")
	require.NoError(t, err)

	user.Active = false
	require.NoError(t, env.store.PutUser(ctx, user))

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	requireAuthError(t, err, KindSession, MsgInvalidUser)

	require.NoError(t, env.store.DeleteUser(ctx, "alice"))

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	requireAuthError(t, err, KindSession, MsgInvalidUser)
}

func TestAuthenticate_LastActiveThrottle(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)

	p, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
	require.NoError(t, err)

	start := p.Session.LastActive

	env.clock.now = env.clock.now.Add(30 * time.Second)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	require.NoError(t, err)

	s, err := env.store.GetSession(ctx, p.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, start, s.LastActive)

	env.clock.now = env.clock.now.Add(time.Minute)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	require.NoError(t, err)

	s, err = env.store.GetSession(ctx, p.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, env.clock.now.Unix(), s.LastActive)
}

func TestAuthenticate_SessionDeletedConcurrently(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{
			name:    "last active write fails on a deleted session",
			advance: 2 * time.Minute,
			wantErr: true,
		},
		{
			name:    "throttled request completes without a write",
			advance: 10 * time.Second,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			ctx := context.Background()

			env.addUser(t, "alice", true)

			p, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
			require.NoError(t, err)

			log := logrus.New()
			log.SetLevel(logrus.ErrorLevel)

			racing := NewAuthenticator(
				log,
				&deletingStore{Store: env.store},
				privilege.NewResolver(log, env.store, privilege.NewRegistry(nil)),
				Options{SessionTTL: time.Hour, Hasher: testHasher{}, Now: env.clock.Now},
			)

			env.clock.now = env.clock.now.Add(tt.advance)

			_, err = racing.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
			if tt.wantErr {
				requireAuthError(t, err, KindSession, MsgInvalidSession)
			} else {
				require.NoError(t, err)
			}

			// The session stays deleted either way.
			_, err = env.store.GetSession(ctx, p.Session.ID)
			require.ErrorIs(t, err, credstore.ErrNotFound)

			_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
			requireAuthError(t, err, KindSession, MsgInvalidSession)
		})
	}
}

func TestAuthenticate_SessionTokenIsCaseSensitive(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)

	p, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: strings.ToUpper(p.Session.ID)})
	requireAuthError(t, err, KindSession, MsgInvalidSession)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	require.NoError(t, err)
}

func TestAuthenticate_APIKey(t *testing.T) {
	past := int64(1_600_000_000)

	tests := []struct {
		name    string
		mutate  func(*credstore.APIKey)
		present string
		wantMsg string
	}{
		{name: "valid"},
		{name: "unknown key", present: "not-a-real-key", wantMsg: MsgInvalidAPIKey},
		{
			name:    "disabled",
			mutate:  func(k *credstore.APIKey) { k.Active = false },
			wantMsg: MsgAPIKeyDisabled,
		},
		{
			name:    "expired",
			mutate:  func(k *credstore.APIKey) { k.Expires = past },
			wantMsg: MsgAPIKeyExpired,
		},
		{
			name: "disabled wins over expired",
			mutate: func(k *credstore.APIKey) {
				k.Active = false
				k.Expires = past
			},
			wantMsg: MsgAPIKeyDisabled,
		},
		{
			name:    "expires exactly now",
			mutate:  func(k *credstore.APIKey) { k.Expires = 1_700_000_000 },
			wantMsg: MsgAPIKeyExpired,
		},
		{
			name:   "expires in future",
			mutate: func(k *credstore.APIKey) { k.Expires = 1_700_000_001 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)

			plain, err := GenerateAPIKey()
			require.NoError(t, err)

			key := env.addKey(t, plain, tt.mutate)

			present := plain
			if tt.present != "" {
				present = tt.present
			}

			p, err := env.auth.Authenticate(context.Background(), Credentials{APIKey: present})
			if tt.wantMsg != "" {
				requireAuthError(t, err, KindSession, tt.wantMsg)

				return
			}

			require.NoError(t, err)
			assert.True(t, p.IsAPIKey())
			assert.Equal(t, key.ID, p.APIKey.ID)
			assert.Nil(t, p.Session)
		})
	}
}

func TestAuthenticate_APIKeyTakesPrecedence(t *testing.T) {
	env := setupTestEnv(t)

	plain, err := GenerateAPIKey()
	require.NoError(t, err)

	env.addKey(t, plain, nil)

	// A bogus session token is never consulted when an API key is present.
	p, err := env.auth.Authenticate(context.Background(), Credentials{
		APIKey:    plain,
		SessionID: "bogus",
	})
	require.NoError(t, err)
	assert.True(t, p.IsAPIKey())
}

func TestLogin_Failures(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)
	env.addUser(t, "bob", false)

	_, err := env.auth.Login(ctx, "alice", "wrong", SessionMeta{})
	requireAuthError(t, err, KindSession, MsgBadLogin)

	_, err = env.auth.Login(ctx, "nobody", "secret", SessionMeta{})
	requireAuthError(t, err, KindSession, MsgBadLogin)

	_, err = env.auth.Login(ctx, "bob", "secret", SessionMeta{})
	requireAuthError(t, err, KindSession, MsgBadLogin)
}

func TestLogoutAll(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)
	env.addUser(t, "carol", true)

	current, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
		require.NoError(t, err)
	}

	other, err := env.auth.Login(ctx, "carol", "secret", SessionMeta{})
	require.NoError(t, err)

	_, err = env.auth.LogoutAll(ctx, current, "wrong")
	requireAuthError(t, err, KindAccess, MsgBadPassword)

	removed, err := env.auth.LogoutAll(ctx, current, "secret")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: current.Session.ID})
	require.NoError(t, err)

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: other.Session.ID})
	require.NoError(t, err)

	_, err = env.auth.LogoutAll(ctx, &Principal{APIKey: &credstore.APIKey{}}, "secret")
	requireAuthError(t, err, KindSession, MsgSessionRequired)
}

func TestLogout(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.addUser(t, "alice", true)

	p, err := env.auth.Login(ctx, "alice", "secret", SessionMeta{})
	require.NoError(t, err)

	require.NoError(t, env.auth.Logout(ctx, p.Session.ID))
	require.NoError(t, env.auth.Logout(ctx, p.Session.ID))

	_, err = env.auth.Authenticate(ctx, Credentials{SessionID: p.Session.ID})
	requireAuthError(t, err, KindSession, MsgInvalidSession)
}

func TestCredentialsFromRequest(t *testing.T) {
	names := HeaderNames{
		SessionHeader: "X-Session-ID",
		SessionCookie: "gatekeeper_session",
		APIKeyHeader:  "X-API-Key",
	}

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  Credentials
	}{
		{name: "nothing", setup: func(*http.Request) {}},
		{
			name: "api key with empty session header",
			setup: func(r *http.Request) {
				r.Header.Set("X-API-Key", "k")
				r.Header.Set("X-Session-ID", "")
			},
			want: Credentials{APIKey: "k"},
		},
		{
			name:  "session header",
			setup: func(r *http.Request) { r.Header.Set("X-Session-ID", "s") },
			want:  Credentials{SessionID: "s"},
		},
		{
			name: "cookie fallback",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "gatekeeper_session", Value: "c"})
			},
			want: Credentials{SessionID: "c"},
		},
		{
			name: "header beats cookie",
			setup: func(r *http.Request) {
				r.Header.Set("X-Session-ID", "s")
				r.AddCookie(&http.Cookie{Name: "gatekeeper_session", Value: "c"})
			},
			want: Credentials{SessionID: "s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)

			assert.Equal(t, tt.want, CredentialsFromRequest(r, names))
		})
	}
}

func TestSecrets(t *testing.T) {
	plain, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, plain, 32)

	digest := DigestAPIKey(plain)
	assert.Len(t, digest, 64)
	assert.Equal(t, digest, DigestAPIKey(plain))
	assert.NotContains(t, digest, plain)

	assert.Equal(t, "abcd********mnop", MaskAPIKey("abcdefghijklmnop"))
	assert.Equal(t, plain[:4]+"********"+plain[28:], MaskAPIKey(plain))
	assert.Equal(t, "***", MaskAPIKey("abc"))

	token, err := GenerateSessionToken()
	require.NoError(t, err)
	assert.Len(t, token, 64)
}

func TestBcryptHasher(t *testing.T) {
	h := &BcryptHasher{Cost: 4}

	hash, err := h.Hash("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	require.NoError(t, h.Compare(hash, "hunter2"))
	assert.ErrorIs(t, h.Compare(hash, "hunter3"), ErrPasswordMismatch)
}

func TestErrorHelpers(t *testing.T) {
	err := error(AccessError("nope"))
	wrapped := errors.Join(errors.New("ctx"), err)

	assert.True(t, IsKind(wrapped, KindAccess))
	assert.False(t, IsKind(wrapped, KindSession))
	assert.False(t, IsKind(errors.New("plain"), KindAccess))
	assert.Equal(t, "access: nope", err.Error())
}
