package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const serviceToken = "svc-token"

type fixture struct {
	server *Server
	db     *storage.Database
	token  string
}

func newFixture(t *testing.T, upstream string) *fixture {
	t.Helper()

	db, err := storage.NewDatabase(sqlite.Open("file::memory:"), zerolog.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Limits.CounterBackend = "memory"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.ServiceTokens = []string{serviceToken}
	cfg.Events.FlushInterval = 10 * time.Millisecond
	cfg.Services = []config.ServiceConfig{{Path: "/api/orders", Target: upstream}}

	srv, err := New(cfg, zerolog.Nop(), db, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	f := &fixture{server: srv, db: db}

	_, err = srv.auth.Register(context.Background(), "ops@example.com", "correct-horse", "Ops", models.RoleOps)
	require.NoError(t, err)
	f.token = f.login(t, "ops@example.com", "correct-horse")

	return f
}

func (f *fixture) login(t *testing.T, email, password string) string {
	t.Helper()
	w := f.do(http.MethodPost, "/auth/login", gin.H{"email": email, "password": password}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	return decode(t, w)["token"].(string)
}

func (f *fixture) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.GetRouter().ServeHTTP(w, req)
	return w
}

func (f *fixture) admin(method, path string, body interface{}) *httptest.ResponseRecorder {
	return f.do(method, path, body, map[string]string{"Authorization": "Bearer " + f.token})
}

func (f *fixture) decide(body interface{}) *httptest.ResponseRecorder {
	return f.do(http.MethodPost, "/v1/decisions", body, map[string]string{"X-Service-Token": serviceToken})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// Creates a plan with the given burst, a tenant on it and a key for the tenant.
func (f *fixture) provisionKey(t *testing.T, burst int) string {
	t.Helper()

	w := f.admin(http.MethodPost, "/admin/plans", gin.H{"name": "starter", "rate_per_second": 0.01, "burst_capacity": burst, "daily_quota": 100})
	require.Equal(t, http.StatusCreated, w.Code)
	planID := decode(t, w)["id"]

	w = f.admin(http.MethodPut, "/admin/tenants/acme", gin.H{"plan_id": planID})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.admin(http.MethodPost, "/admin/keys", gin.H{"name": "ci", "tenant_id": "acme"})
	require.Equal(t, http.StatusCreated, w.Code)
	return decode(t, w)["key"].(string)
}

func TestServer_AdminRequiresToken(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")

	w := f.do(http.MethodGet, "/admin/plans", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.admin(http.MethodGet, "/admin/plans", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_NoAnonymousOperatorSignup(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	mallory := gin.H{"email": "mallory@example.com", "password": "correct-horse"}

	w := f.do(http.MethodPost, "/auth/register", mallory, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/admin/operators", mallory, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/auth/login", mallory, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/admin/blocks", gin.H{"target_type": "tenant", "target_id": "acme", "reason": "manual"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_ViewerCannotMutate(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")

	w := f.admin(http.MethodPost, "/admin/operators", gin.H{"email": "audit@example.com", "password": "correct-horse", "role": "viewer"})
	require.Equal(t, http.StatusCreated, w.Code)
	viewer := map[string]string{"Authorization": "Bearer " + f.login(t, "audit@example.com", "correct-horse")}

	w = f.do(http.MethodGet, "/admin/blocks", nil, viewer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/admin/blocks", gin.H{"target_type": "tenant", "target_id": "acme", "reason": "manual"}, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/admin/reset", gin.H{"api_key_id": "key-1"}, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/admin/operators", gin.H{"email": "x@example.com", "password": "correct-horse"}, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_ProxiedRouteEnforcesLimits(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("order"))
	}))
	defer backend.Close()

	f := newFixture(t, backend.URL)
	key := f.provisionKey(t, 2)
	headers := map[string]string{"X-API-Key": key}

	w := f.do(http.MethodGet, "/api/orders/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for i := 0; i < 2; i++ {
		w = f.do(http.MethodGet, "/api/orders/1", nil, headers)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "order", w.Body.String())
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "100", w.Header().Get("X-Quota-Daily-Limit"))
	}
	assert.Equal(t, "2", w.Header().Get("X-Quota-Daily-Usage"))

	w = f.do(http.MethodGet, "/api/orders/1", nil, headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit", decode(t, w)["reason"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	var throttles int64
	require.NoError(t, f.db.DB.Model(&models.Event{}).Where("type = ?", models.EventThrottle).Count(&throttles).Error)
	assert.Equal(t, int64(1), throttles)
}

func TestServer_BlockAppliesImmediately(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	f := newFixture(t, backend.URL)
	key := f.provisionKey(t, 10)
	headers := map[string]string{"X-API-Key": key}

	w := f.do(http.MethodGet, "/api/orders", nil, headers)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.admin(http.MethodPost, "/admin/blocks", gin.H{"target_type": "tenant", "target_id": "acme", "reason": "payment_failed"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodGet, "/api/orders", nil, headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "blocked:payment_failed", decode(t, w)["reason"])
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestServer_ForwardedForCannotDodgeIPBlock(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	f := newFixture(t, backend.URL)
	key := f.provisionKey(t, 10)

	// httptest requests come from 192.0.2.1
	w := f.admin(http.MethodPost, "/admin/blocks", gin.H{"target_type": "ip", "target_id": "192.0.2.1", "reason": "abuse_detected"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodGet, "/api/orders", nil, map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "blocked:abuse_detected", decode(t, w)["reason"])
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))

	w = f.do(http.MethodGet, "/api/orders", nil, map[string]string{"X-API-Key": key, "X-Forwarded-For": "203.0.113.9"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "blocked:abuse_detected", decode(t, w)["reason"])
}

func TestServer_DecisionsAndStatus(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")
	f.provisionKey(t, 5)

	identity := gin.H{"api_key_id": "key-1", "tenant_id": "acme"}
	w := f.do(http.MethodPost, "/v1/decisions", gin.H{"identity": identity, "amount": 3}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.do(http.MethodPost, "/v1/decisions", gin.H{"identity": identity, "amount": 3}, map[string]string{"X-Service-Token": "guess"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.decide(gin.H{"identity": identity, "amount": 3})
	require.Equal(t, http.StatusOK, w.Code)
	verdict := decode(t, w)
	assert.Equal(t, true, verdict["allowed"])
	assert.Equal(t, float64(2), verdict["tokens_remaining"])

	w = f.admin(http.MethodGet, "/admin/status?api_key_id=key-1&tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	usage := decode(t, w)["usage"].(map[string]interface{})
	assert.Equal(t, float64(3), usage["daily_usage"])

	w = f.admin(http.MethodPost, "/admin/reset", gin.H{"api_key_id": "key-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.admin(http.MethodGet, "/admin/status?api_key_id=key-1&tenant_id=acme", nil)
	usage = decode(t, w)["usage"].(map[string]interface{})
	assert.Equal(t, float64(0), usage["daily_usage"])
	assert.Equal(t, float64(5), usage["tokens_remaining"])
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1")

	w := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode(t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "closed", health["breaker"].(map[string]interface{})["state"])

	f.decide(gin.H{"identity": gin.H{"api_key_id": "k", "tenant_id": "t"}})

	w = f.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admission_decisions_total")
}
