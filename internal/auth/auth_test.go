package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	return NewManager(Config{
		JWTSecret:     "test-secret",
		JWTExpiration: 30,
		APIKeys:       []string{"device-key"},
		Users: []User{
			{Username: "alice", PasswordHash: hash, Role: RoleAdmin},
			{Username: "victor", PasswordHash: hash, Role: RoleViewer},
		},
	}, nil)
}

func identityEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		_, _ = w.Write([]byte(id.Username + ":" + string(id.Role)))
	})
}

func TestManager_LoginAndValidate(t *testing.T) {
	m := newTestManager(t)

	token, expires, u, err := m.Login("alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), expires, 5*time.Second)

	claims, err := m.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestManager_AuthenticateFailures(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = m.Authenticate("mallory", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestManager_ValidateJWTRejects(t *testing.T) {
	m := newTestManager(t)

	other := NewManager(Config{JWTSecret: "other-secret"}, nil)
	foreign, _, err := other.GenerateJWT("alice", RoleAdmin)
	require.NoError(t, err)
	_, err = m.ValidateJWT(foreign)
	assert.Error(t, err)

	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, err := m.GenerateJWT("alice", RoleAdmin)
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.ValidateJWT(expired)
	assert.Error(t, err)

	_, err = m.ValidateJWT("not.a.token")
	assert.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.GenerateJWT("alice", RoleOperator)
	require.NoError(t, err)
	h := m.JWTMiddleware(identityEcho())

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + token, http.StatusOK, "alice:operator"},
		{"lowercase scheme", "bearer " + token, http.StatusOK, "alice:operator"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer abc", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/machines", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireRoles(t *testing.T) {
	m := newTestManager(t)
	h := m.JWTMiddleware(RequireRoles(RoleAdmin, RoleOperator)(identityEcho()))

	for role, want := range map[Role]int{
		RoleAdmin:    http.StatusOK,
		RoleOperator: http.StatusOK,
		RoleViewer:   http.StatusForbidden,
	} {
		token, _, err := m.GenerateJWT("u", role)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/alerts/1/resolve", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, role)
	}

	rec := httptest.NewRecorder()
	RequireRoles(RoleAdmin)(identityEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	m := newTestManager(t)
	h := m.APIKeyMiddleware(identityEcho())

	for key, want := range map[string]int{
		"device-key": http.StatusOK,
		"wrong":      http.StatusUnauthorized,
		"":           http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodPost, "/data", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, key)
	}
}

func TestDisabledAuthLetsEverythingThrough(t *testing.T) {
	m := NewManager(Config{Disabled: true}, nil)

	rec := httptest.NewRecorder()
	m.JWTMiddleware(RequireRoles(RoleAdmin)(identityEcho())).
		ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/modbus/configs/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous:admin", rec.Body.String())

	rec = httptest.NewRecorder()
	m.APIKeyMiddleware(identityEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/data", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
