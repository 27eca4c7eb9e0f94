package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/herder/internal/app"
	"github.com/bobmcallan/herder/internal/common"
)

// newTestHandler builds the full middleware + routing stack over a bare app.
// Endpoints that reach storage or backends are not exercised here; this covers
// the surface that answers before those collaborators are touched.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	a := &app.App{
		Config: testConfig(),
		Logger: common.NewSilentLogger(),
	}
	return NewServer(a).Handler()
}

func TestServer_Health(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
}

func TestServer_Version(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Contains(t, body, "version")
}

func TestServer_JobsRequireAuth(t *testing.T) {
	handler := newTestHandler(t)

	for _, path := range []string{"/api/v1/jobs", "/api/v1/jobs/abc-123"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
		assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"), path)
	}
}

func TestServer_AdminEndpointsRejectNonAdmin(t *testing.T) {
	handler := newTestHandler(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	paths := []string{
		"/api/v1/admin/jobs",
		"/api/v1/admin/analytics",
		"/api/v1/admin/archive",
		"/api/v1/admin/archive/config",
	}
	for _, path := range paths {
		// Anonymous: 401.
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)

		// Plain user: 403.
		req = httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr = httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code, path)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServer_ShutdownDisabledInProduction(t *testing.T) {
	config := testConfig()
	config.Environment = "production"
	a := &app.App{Config: config, Logger: common.NewSilentLogger()}
	handler := NewServer(a).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/shutdown", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}
