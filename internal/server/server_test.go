package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jaishankar101/pgpubsub/internal/config"
	"github.com/jaishankar101/pgpubsub/internal/testutil"
)

func newTestServer(t *testing.T, adminPassword string) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Enabled = true
	cfg.Server.AdminPassword = adminPassword

	s, err := New(cfg, nil, nil, testutil.DiscardLogger())
	testutil.NoError(t, err)
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	testutil.Equal(t, rec.Code, http.StatusOK)
	testutil.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAdminLoginFlow(t *testing.T) {
	s := newTestServer(t, "hunter2hunter2")

	// Wrong password.
	req := httptest.NewRequest(http.MethodPost, "/api/admin/auth", strings.NewReader(`{"password":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	testutil.Equal(t, rec.Code, http.StatusUnauthorized)

	// Right password issues a session token.
	req = httptest.NewRequest(http.MethodPost, "/api/admin/auth", strings.NewReader(`{"password":"hunter2hunter2"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	testutil.Equal(t, rec.Code, http.StatusOK)

	token := rec.Body.String()
	testutil.Contains(t, token, "token")
}

func TestAdminLoginNotConfigured(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/admin/auth", strings.NewReader(`{"password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	testutil.Equal(t, rec.Code, http.StatusNotFound)
}

func TestRequireAdminTokenMiddleware(t *testing.T) {
	s := newTestServer(t, "hunter2hunter2")

	var reached bool
	guarded := s.requireAdminToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	// No token.
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
	testutil.Equal(t, rec.Code, http.StatusUnauthorized)
	testutil.False(t, reached)

	// Garbage token.
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	testutil.Equal(t, rec.Code, http.StatusUnauthorized)

	// Valid token.
	token, err := s.adminAuth.token()
	testutil.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	testutil.True(t, reached)
}

func TestAdminEndpointsDisabledWithoutPassword(t *testing.T) {
	s := newTestServer(t, "")

	guarded := s.requireAdminToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
	testutil.Equal(t, rec.Code, http.StatusForbidden)
}

func TestTokenRoundTrip(t *testing.T) {
	auth, err := newAdminAuth("correct horse battery staple")
	testutil.NoError(t, err)

	testutil.True(t, auth.validatePassword("correct horse battery staple"))
	testutil.False(t, auth.validatePassword("wrong"))

	token, err := auth.token()
	testutil.NoError(t, err)
	testutil.True(t, auth.validateToken(token))
	testutil.False(t, auth.validateToken(token+"x"))

	// A different boot's secret rejects the token.
	other, err := newAdminAuth("correct horse battery staple")
	testutil.NoError(t, err)
	testutil.False(t, other.validateToken(token))
}
