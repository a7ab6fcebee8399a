package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/auth"
	"github.com/ethpandaops/gatekeeper/pkg/cluster"
	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/ethpandaops/gatekeeper/pkg/privilege"
	"github.com/ethpandaops/gatekeeper/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminUser     = "admin"
	adminPassword = "admin-password"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

type testEnv struct {
	srv     *server
	handler http.Handler
	store   credstore.Store
	session string
}

// followerRegistry reports a remote master.
type followerRegistry struct {
	cluster.Registry
}

func (followerRegistry) IsMaster() bool     { return false }
func (followerRegistry) MasterHost() string { return "primary.example:8080" }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Listen: "127.0.0.1:0"},
		Auth: config.AuthConfig{
			SessionTTL:    "1h",
			SessionCookie: config.DefaultSessionCookie,
			SessionHeader: config.DefaultSessionHeader,
			APIKeyHeader:  config.DefaultAPIKeyHeader,
			SweepInterval: "1m",
		},
		Cluster: config.ClusterConfig{
			NodeID:            "node-a",
			AdvertiseHost:     "node-a:8080",
			Standalone:        true,
			HeartbeatInterval: "1h",
			PeerTimeout:       "2h",
		},
	}
}

func setupTestEnv(t *testing.T, topology cluster.Registry) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ctx := context.Background()
	cfg := testConfig()

	st, err := storage.NewStorage(log, &config.StorageConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	require.NoError(t, st.Start(ctx))
	t.Cleanup(func() { _ = st.Stop() })

	if topology == nil {
		reg := cluster.NewRegistry(log, &cfg.Cluster, st)
		require.NoError(t, reg.Start(ctx))
		t.Cleanup(func() { _ = reg.Stop() })

		topology = reg
	}

	hasher := &auth.BcryptHasher{Cost: 4}
	store := credstore.NewStore(log, st)

	require.NoError(t, store.SeedUsers(ctx, []config.SeedUser{{
		Username:   adminUser,
		Password:   adminPassword,
		Privileges: map[string]bool{string(privilege.Admin): true},
	}}, hasher))

	srv := newServer(log, cfg, Deps{
		Storage:  st,
		Store:    store,
		Cluster:  topology,
		Registry: cfg.Auth.Registry(),
		Hasher:   hasher,
	})

	return &testEnv{
		srv:     srv,
		handler: srv.buildRouter(),
		store:   store,
	}
}

// do sends a request and decodes the JSON response body into out when
// out is non-nil.
func (e *testEnv) do(
	t *testing.T,
	method, path string,
	body any,
	headers map[string]string,
	out any,
) int {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}

	return rec.Code
}

// asAdmin sends a request using the admin session.
func (e *testEnv) asAdmin(
	t *testing.T, method, path string, body, out any,
) int {
	t.Helper()

	return e.do(t, method, path, body, map[string]string{
		config.DefaultSessionHeader: e.session,
	}, out)
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()

	var resp loginResponse

	status := e.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": adminUser,
		"password": adminPassword,
	}, nil, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.SessionID)

	e.session = resp.SessionID
}

type errorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Title       string `json:"title"`
	Host        string `json:"host"`
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.login(t)

	ctx := context.Background()

	// Create a key with no privileges.
	var created createAPIKeyResponse

	status := env.asAdmin(t, http.MethodPost, "/api/v1/api-keys", map[string]any{
		"title":       "Test Key",
		"description": "Created by the lifecycle test",
		"active":      1,
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, created.PlainKey, 32)

	keyID := created.APIKey.ID
	assert.Equal(t, auth.MaskAPIKey(created.PlainKey), created.APIKey.Mask)
	assert.Equal(t, adminUser, created.APIKey.Username)
	assert.Equal(t, int64(1), created.APIKey.Revision)

	// Only the digest is persisted.
	stored, err := env.store.GetAPIKey(ctx, keyID)
	require.NoError(t, err)
	assert.Regexp(t, hexDigest, stored.Key)
	assert.NotEqual(t, created.PlainKey, stored.Key)

	originalDigest := stored.Key

	useKey := func(t *testing.T) (int, errorResponse) {
		t.Helper()

		var resp errorResponse

		status := env.do(t, http.MethodDelete, "/api/v1/tags/not_found", nil,
			map[string]string{
				config.DefaultSessionHeader: "",
				config.DefaultAPIKeyHeader:  created.PlainKey,
			}, &resp)

		return status, resp
	}

	update := func(t *testing.T, body map[string]any) {
		t.Helper()

		status := env.asAdmin(t, http.MethodPut, "/api/v1/api-keys/"+keyID, body, nil)
		require.Equal(t, http.StatusOK, status)
	}

	t.Run("lacks privilege", func(t *testing.T) {
		status, resp := useKey(t)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "access", resp.Code)
		assert.Contains(t, resp.Description, "Delete Tags")
	})

	t.Run("direct grant", func(t *testing.T) {
		update(t, map[string]any{"privileges": map[string]any{"delete_tags": 1}})

		status, resp := useKey(t)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "tag", resp.Code)
	})

	t.Run("key field is ignored", func(t *testing.T) {
		update(t, map[string]any{"key": "tampered"})

		key, err := env.store.GetAPIKey(ctx, keyID)
		require.NoError(t, err)
		assert.Equal(t, originalDigest, key.Key)
		assert.Equal(t, int64(3), key.Revision)

		status, resp := useKey(t)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "tag", resp.Code)
	})

	t.Run("grant through role", func(t *testing.T) {
		var role roleResponse

		status := env.asAdmin(t, http.MethodPost, "/api/v1/roles", map[string]any{
			"title": "Tag Manager",
			"privileges": map[string]any{
				"create_tags": 1,
				"edit_tags":   1,
				"delete_tags": 1,
			},
		}, &role)
		require.Equal(t, http.StatusCreated, status)
		require.NotEmpty(t, role.ID)

		update(t, map[string]any{
			"privileges": map[string]any{},
			"roles":      []string{role.ID},
		})

		status, resp := useKey(t)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "tag", resp.Code)

		update(t, map[string]any{"roles": []string{}})

		status, resp = useKey(t)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "access", resp.Code)
	})

	t.Run("list shows mask", func(t *testing.T) {
		var keys []map[string]any

		status := env.asAdmin(t, http.MethodGet, "/api/v1/api-keys", nil, &keys)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, keys, 1)
		assert.Equal(t, created.APIKey.Mask, keys[0]["mask"])
		assert.NotContains(t, keys[0], "key")
	})

	t.Run("future expiry", func(t *testing.T) {
		update(t, map[string]any{
			"expires":    time.Now().Add(time.Hour).Unix(),
			"privileges": map[string]any{"delete_tags": 1},
		})

		status, resp := useKey(t)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "tag", resp.Code)
	})

	t.Run("past expiry", func(t *testing.T) {
		update(t, map[string]any{"expires": time.Now().Add(-time.Hour).Unix()})

		status, resp := useKey(t)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "session", resp.Code)
		assert.Contains(t, resp.Description, "expired")
	})

	t.Run("disabled", func(t *testing.T) {
		update(t, map[string]any{"expires": 0, "active": 0})

		status, resp := useKey(t)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "session", resp.Code)
		assert.Contains(t, resp.Description, "disabled")
	})

	t.Run("reactivated", func(t *testing.T) {
		update(t, map[string]any{"active": true})

		status, resp := useKey(t)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "tag", resp.Code)
	})

	t.Run("delete", func(t *testing.T) {
		status := env.asAdmin(t, http.MethodDelete, "/api/v1/api-keys/"+keyID, nil, nil)
		require.Equal(t, http.StatusOK, status)

		_, err := env.store.GetAPIKeyByDigest(ctx, originalDigest)
		require.ErrorIs(t, err, credstore.ErrNotFound)

		status, resp := useKey(t)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "session", resp.Code)

		var notFound errorResponse

		status = env.asAdmin(t, http.MethodGet, "/api/v1/api-keys/"+keyID, nil, &notFound)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "api_key", notFound.Code)
	})
}

func TestAPIKey_UnknownPrivilegeRejected(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.login(t)

	var resp errorResponse

	status := env.asAdmin(t, http.MethodPost, "/api/v1/api-keys", map[string]any{
		"title":      "Bad",
		"privileges": map[string]any{"launch_rockets": 1},
	}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "api_key", resp.Code)

	status = env.asAdmin(t, http.MethodPost, "/api/v1/api-keys", map[string]any{
		"title": "Bad",
		"roles": []string{"missing"},
	}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp.Description, "Role not found")
}

func TestNonMasterRejects(t *testing.T) {
	env := setupTestEnv(t, followerRegistry{})

	for _, path := range []string{"/api/v1/config", "/api/v1/auth/me", "/api/v1/api-keys"} {
		t.Run(path, func(t *testing.T) {
			var resp errorResponse

			status := env.do(t, http.MethodGet, path, nil, nil, &resp)
			assert.Equal(t, http.StatusMisdirectedRequest, status)
			assert.Equal(t, "master", resp.Code)
			assert.Equal(t, "primary.example:8080", resp.Host)
		})
	}

	// Health is served by every node.
	status := env.do(t, http.MethodGet, "/api/v1/health", nil, nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthFlow(t *testing.T) {
	env := setupTestEnv(t, nil)

	t.Run("no credentials", func(t *testing.T) {
		var resp errorResponse

		status := env.do(t, http.MethodGet, "/api/v1/auth/me", nil, nil, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "session", resp.Code)
		assert.Equal(t, auth.MsgNoCredentials, resp.Description)
	})

	t.Run("bad password", func(t *testing.T) {
		var resp errorResponse

		status := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
			"username": adminUser,
			"password": "nope",
		}, nil, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, auth.MsgBadLogin, resp.Description)
	})

	env.login(t)
	first := env.session

	t.Run("me", func(t *testing.T) {
		var resp meResponse

		status := env.asAdmin(t, http.MethodGet, "/api/v1/auth/me", nil, &resp)
		require.Equal(t, http.StatusOK, status)
		require.NotNil(t, resp.User)
		assert.Equal(t, adminUser, resp.User.Username)
		assert.True(t, resp.Privileges[string(privilege.Admin)])
		assert.Nil(t, resp.APIKey)
	})

	t.Run("session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		req.AddCookie(&http.Cookie{Name: config.DefaultSessionCookie, Value: first})

		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("logout all keeps current session", func(t *testing.T) {
		env.login(t)
		env.login(t)
		current := env.session

		var resp errorResponse

		status := env.asAdmin(t, http.MethodPost, "/api/v1/auth/logout_all",
			map[string]string{"password": "wrong"}, &resp)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, auth.MsgBadPassword, resp.Description)

		var removed map[string]int

		status = env.asAdmin(t, http.MethodPost, "/api/v1/auth/logout_all",
			map[string]string{"password": adminPassword}, &removed)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, 2, removed["removed"])

		status = env.do(t, http.MethodGet, "/api/v1/auth/me", nil,
			map[string]string{config.DefaultSessionHeader: first}, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, auth.MsgInvalidSession, resp.Description)

		env.session = current
		status = env.asAdmin(t, http.MethodGet, "/api/v1/auth/me", nil, nil)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("logout", func(t *testing.T) {
		status := env.asAdmin(t, http.MethodPost, "/api/v1/auth/logout", nil, nil)
		require.Equal(t, http.StatusOK, status)

		status = env.asAdmin(t, http.MethodGet, "/api/v1/auth/me", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestUserManagement(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.login(t)

	var user userResponse

	status := env.asAdmin(t, http.MethodPost, "/api/v1/users", map[string]any{
		"username":   "Alice",
		"password":   "alice-password",
		"privileges": map[string]any{"create_tags": true},
	}, &user)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, credstore.SourceAdmin, user.Source)

	var raw map[string]any

	status = env.asAdmin(t, http.MethodGet, "/api/v1/users/alice", nil, &raw)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, raw, "password_hash")

	t.Run("duplicate", func(t *testing.T) {
		var resp errorResponse

		status := env.asAdmin(t, http.MethodPost, "/api/v1/users", map[string]any{
			"username": "alice",
			"password": "x",
		}, &resp)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "user", resp.Code)
	})

	t.Run("user creates tag", func(t *testing.T) {
		var login loginResponse

		status := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
			"username": "alice",
			"password": "alice-password",
		}, nil, &login)
		require.Equal(t, http.StatusOK, status)

		headers := map[string]string{config.DefaultSessionHeader: login.SessionID}

		var created tag

		status = env.do(t, http.MethodPost, "/api/v1/tags",
			map[string]string{"title": "release"}, headers, &created)
		require.Equal(t, http.StatusCreated, status)
		assert.Equal(t, "alice", created.Username)

		var tags []tag

		status = env.do(t, http.MethodGet, "/api/v1/tags", nil, headers, &tags)
		require.Equal(t, http.StatusOK, status)
		require.Len(t, tags, 1)

		var resp errorResponse

		status = env.do(t, http.MethodDelete, "/api/v1/tags/"+created.ID, nil, headers, &resp)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Contains(t, resp.Description, "Delete Tags")

		status = env.asAdmin(t, http.MethodDelete, "/api/v1/tags/"+created.ID, nil, nil)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("cannot deactivate self", func(t *testing.T) {
		var resp errorResponse

		status := env.asAdmin(t, http.MethodPut, "/api/v1/users/admin",
			map[string]any{"active": false}, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "user", resp.Code)

		status = env.asAdmin(t, http.MethodDelete, "/api/v1/users/admin", nil, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("deactivated user loses access", func(t *testing.T) {
		var login loginResponse

		status := env.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
			"username": "alice",
			"password": "alice-password",
		}, nil, &login)
		require.Equal(t, http.StatusOK, status)

		status = env.asAdmin(t, http.MethodPut, "/api/v1/users/alice",
			map[string]any{"active": false}, nil)
		require.Equal(t, http.StatusOK, status)

		var resp errorResponse

		status = env.do(t, http.MethodGet, "/api/v1/auth/me", nil,
			map[string]string{config.DefaultSessionHeader: login.SessionID}, &resp)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, auth.MsgInvalidUser, resp.Description)
	})

	t.Run("delete removes sessions", func(t *testing.T) {
		status := env.asAdmin(t, http.MethodDelete, "/api/v1/users/alice", nil, nil)
		require.Equal(t, http.StatusOK, status)

		sessions, err := env.store.ListSessions(context.Background(),
			func(s *credstore.Session) bool { return s.Username == "alice" }, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, sessions)

		var resp errorResponse

		status = env.asAdmin(t, http.MethodGet, "/api/v1/users/alice", nil, &resp)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "user", resp.Code)
	})
}

func TestRolesAndServers(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.login(t)

	var role roleResponse

	status := env.asAdmin(t, http.MethodPost, "/api/v1/roles", map[string]any{
		"id":         "ops",
		"title":      "Operations",
		"privileges": map[string]any{"run_jobs": "true"},
	}, &role)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, role.Enabled)
	assert.True(t, role.Privileges["run_jobs"])

	var resp errorResponse

	status = env.asAdmin(t, http.MethodPost, "/api/v1/roles", map[string]any{
		"id":    "ops",
		"title": "Again",
	}, &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "role", resp.Code)

	status = env.asAdmin(t, http.MethodPut, "/api/v1/roles/ops",
		map[string]any{"enabled": 0}, &role)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, role.Enabled)

	status = env.asAdmin(t, http.MethodDelete, "/api/v1/roles/ops", nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = env.asAdmin(t, http.MethodGet, "/api/v1/roles/ops", nil, &resp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "role", resp.Code)

	var servers serversResponse

	status = env.asAdmin(t, http.MethodGet, "/api/v1/servers", nil, &servers)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "node-a:8080", servers.Master)
	require.Len(t, servers.Servers, 1)
	assert.Equal(t, "node-a", servers.Servers[0].ID)

	status = env.asAdmin(t, http.MethodGet, "/api/v1/servers/missing", nil, &resp)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "server", resp.Code)
}

// userSession creates a user with privs through the admin API and returns
// headers carrying a fresh session for it.
func (e *testEnv) userSession(
	t *testing.T, username string, privs map[string]any,
) map[string]string {
	t.Helper()

	status := e.asAdmin(t, http.MethodPost, "/api/v1/users", map[string]any{
		"username":   username,
		"password":   username + "-password",
		"privileges": privs,
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var login loginResponse

	status = e.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": username + "-password",
	}, nil, &login)
	require.Equal(t, http.StatusOK, status)

	return map[string]string{config.DefaultSessionHeader: login.SessionID}
}

func TestRolePrivileges(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.login(t)

	creator := env.userSession(t, "creator", map[string]any{
		"create_roles": true,
		"run_jobs":     true,
	})
	plain := env.userSession(t, "plain", map[string]any{"create_tags": true})

	var role roleResponse

	status := env.do(t, http.MethodPost, "/api/v1/roles", map[string]any{
		"id":         "jobs",
		"title":      "Jobs",
		"privileges": map[string]any{"run_jobs": true},
	}, creator, &role)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, role.Privileges["run_jobs"])

	var roles []roleResponse

	status = env.do(t, http.MethodGet, "/api/v1/roles", nil, creator, &roles)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, roles, 1)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		headers  map[string]string
		wantDesc string
	}{
		{
			name:   "grant beyond own privileges",
			method: http.MethodPost,
			path:   "/api/v1/roles",
			body: map[string]any{
				"id": "root", "title": "Root", "privileges": map[string]any{"admin": true},
			},
			headers:  creator,
			wantDesc: "Administrator",
		},
		{
			name:     "edit without edit_roles",
			method:   http.MethodPut,
			path:     "/api/v1/roles/jobs",
			body:     map[string]any{"title": "Renamed"},
			headers:  creator,
			wantDesc: "Edit Roles",
		},
		{
			name:     "delete without delete_roles",
			method:   http.MethodDelete,
			path:     "/api/v1/roles/jobs",
			headers:  creator,
			wantDesc: "Delete Roles",
		},
		{
			name:   "create without create_roles",
			method: http.MethodPost,
			path:   "/api/v1/roles",
			body: map[string]any{
				"id": "tags", "title": "Tags", "privileges": map[string]any{"create_tags": true},
			},
			headers:  plain,
			wantDesc: "Create Roles",
		},
		{
			name:     "list without any role privilege",
			method:   http.MethodGet,
			path:     "/api/v1/roles",
			headers:  plain,
			wantDesc: "Administrator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse

			status := env.do(t, tt.method, tt.path, tt.body, tt.headers, &resp)
			assert.Equal(t, http.StatusForbidden, status)
			assert.Contains(t, resp.Description, tt.wantDesc)
		})
	}

	// Nothing above changed the stored role.
	status = env.asAdmin(t, http.MethodGet, "/api/v1/roles/jobs", nil, &role)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Jobs", role.Title)

	editor := env.userSession(t, "editor", map[string]any{
		"edit_roles":   true,
		"delete_roles": true,
		"run_jobs":     true,
	})

	status = env.do(t, http.MethodPut, "/api/v1/roles/jobs",
		map[string]any{"title": "Renamed"}, editor, &role)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Renamed", role.Title)

	status = env.do(t, http.MethodDelete, "/api/v1/roles/jobs", nil, editor, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestDecodeRejectsInvalidBodies(t *testing.T) {
	env := setupTestEnv(t, nil)
	env.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/api-keys",
		bytes.NewBufferString("{not json"))
	req.Header.Set(config.DefaultSessionHeader, env.session)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")

	var resp errorResponse

	status := env.asAdmin(t, http.MethodPost, "/api/v1/api-keys",
		map[string]any{"description": "no title"}, &resp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", resp.Code)
	assert.Contains(t, resp.Description, "validation error")
}
