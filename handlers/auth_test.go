package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"licensegate.app/cloud/internal/testutil"
)

const (
	testAdminUser     = "admin"
	testAdminPassword = "correct horse battery staple"
	testJWTSecret     = "test-secret-0123456789"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	return NewAuth(testJWTSecret, testAdminUser, string(hash))
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	w := e.post(t, "/api/auth/login", LoginRequest{Username: testAdminUser, Password: testAdminPassword})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	testutil.DecodeJSON(t, w, &resp)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{"wrong password", LoginRequest{Username: testAdminUser, Password: "nope"}, http.StatusUnauthorized},
		{"wrong user", LoginRequest{Username: "root", Password: testAdminPassword}, http.StatusUnauthorized},
		{"missing password", LoginRequest{Username: testAdminUser}, http.StatusBadRequest},
		{"malformed", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.post(t, "/api/auth/login", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp AdminResponse
			testutil.DecodeJSON(t, w, &resp)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}

	token := env.login(t)
	claims, err := env.server.auth.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, testAdminUser, claims.Username)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)
	auth := env.server.auth

	expired := NewAuth(testJWTSecret, testAdminUser, "")
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	expiredToken, err := expired.Sign(testAdminUser)
	require.NoError(t, err)

	forged := NewAuth("another-secret-0123456789", testAdminUser, "")
	forgedToken, err := forged.Sign(testAdminUser)
	require.NoError(t, err)

	validToken, err := auth.Sign(testAdminUser)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"expired", "Bearer " + expiredToken, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forgedToken, http.StatusUnauthorized},
		{"valid", "Bearer " + validToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			w := testutil.MakeRequest(t, env.server, http.MethodGet, "/api/admin/stats", nil, headers)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestAdminRoutesDisabledWithoutAuth(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Auth = nil })

	w := testutil.MakeRequest(t, env.server, http.MethodGet, "/api/admin/stats", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.post(t, "/api/auth/login", LoginRequest{Username: testAdminUser, Password: testAdminPassword})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
