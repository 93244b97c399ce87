package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ekklesia/internal/auth"
	"github.com/mbd888/ekklesia/internal/config"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		JWTSecret:       testSecret,
		PIXKey:          "financeiro@ekklesia.app",
		PIXMerchantName: "EKKLESIA",
		PIXMerchantCity: "SAO PAULO",
		RateLimitRPM:    6000,
	}
}

type testServer struct {
	*Server
	mem *storage.MemoryTx
}

// newTestServer creates a server over in-memory storage.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := storage.NewMemory()
	s, err := New(testConfig(),
		WithStorage(mem),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	s.drainDelay = 0
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return &testServer{Server: s, mem: mem}
}

func token(t *testing.T, userID, email string) string {
	t.Helper()
	claims := auth.Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) grantReviewer(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, s.mem.Repos().Profiles.GrantRole(context.Background(), &profile.RoleGrant{
		ID: "rg_" + userID, UserID: userID, Role: profile.RoleSuperAdmin, CreatedAt: time.Now(),
	}))
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health/ready", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before ready, got %d", w.Code)
	}

	s.ready.Store(true)
	w = s.do(http.MethodGet, "/health/ready", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

func TestHealthEndpoint_ReflectsBackgroundLoops(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "loops not started yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	require.Eventually(t, func() bool {
		w := s.do(http.MethodGet, "/health", "", "")
		return w.Code == http.StatusOK && strings.Contains(w.Body.String(), `"status":"healthy"`)
	}, 2*time.Second, 10*time.Millisecond)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(s.do(http.MethodGet, "/health", "", "").Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, Version, resp["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ekklesia_")
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/v1/plans", "", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	req.Header.Set("X-Request-ID", "lb-123")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "lb-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/v1/plans", "", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestRecoveryReturnsJSON(t *testing.T) {
	s := newTestServer(t)
	s.router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := s.do(http.MethodGet, "/panic", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

// ---------------------------------------------------------------------------
// Routing and authorization
// ---------------------------------------------------------------------------

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/v1/plans", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "church_plus")

	w = s.do(http.MethodGet, "/v1/churches/nao-existe", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/me/access", "/v1/payments", "/v1/auth/me"} {
		w := s.do(http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := s.do(http.MethodGet, "/v1/me/access", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireSuperAdmin(t *testing.T) {
	s := newTestServer(t)
	member := token(t, "user_1", "ana@example.org")

	for _, path := range []string{"/v1/admin/payments", "/v1/admin/subscriptions", "/v1/admin/reconciliation", "/v1/admin/notifications"} {
		w := s.do(http.MethodGet, path, member, "")
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}

	s.grantReviewer(t, "reviewer")
	reviewer := token(t, "reviewer", "revisor@ekklesia.app")
	for _, path := range []string{"/v1/admin/payments", "/v1/admin/subscriptions", "/v1/admin/reconciliation", "/v1/admin/notifications"} {
		w := s.do(http.MethodGet, path, reviewer, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle through the HTTP surface
// ---------------------------------------------------------------------------

func TestChurchPlanLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.grantReviewer(t, "reviewer")
	pastor := token(t, "user_tiago", "tiago@example.org")
	reviewer := token(t, "reviewer", "revisor@ekklesia.app")

	w := s.do(http.MethodGet, "/v1/me/access", pastor, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"planType":"free"`)

	w = s.do(http.MethodPost, "/v1/payments", pastor,
		`{"planType":"church_plus","church":{"name":"Comunidade Luz","responsibleName":"Pr. Tiago"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
		PixCode string `json:"pixCode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Payment.Status)
	assert.NotEmpty(t, created.PixCode)

	// Same request again returns the open claim.
	w = s.do(http.MethodPost, "/v1/payments", pastor,
		`{"planType":"church_plus","church":{"name":"Comunidade Luz"}}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/v1/admin/payments/"+created.Payment.ID+"/approve", reviewer, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/v1/admin/payments/"+created.Payment.ID+"/approve", reviewer, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, "/v1/me/access", pastor, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"planType":"church_plus"`)
	assert.Contains(t, w.Body.String(), `"source":"tenant"`)

	w = s.do(http.MethodGet, "/v1/churches/comunidade-luz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/v1/admin/reconciliation", reviewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)
}

func TestManualSweep(t *testing.T) {
	s := newTestServer(t)
	s.grantReviewer(t, "reviewer")

	w := s.do(http.MethodPost, "/v1/admin/sweeps", token(t, "reviewer", ""), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"expired":0`)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/ekklesia")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/ekklesia")
	assert.Equal(t, "***", maskDSN("://bad"))
}
