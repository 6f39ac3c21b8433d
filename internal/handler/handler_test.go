package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/engine"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubEngine struct {
	verdict  *engine.Verdict
	err      error
	got      engine.Request
	statusID ratelimit.Identity
	resetID  ratelimit.Identity
}

func (s *stubEngine) Check(_ context.Context, req engine.Request) (*engine.Verdict, error) {
	s.got = req
	return s.verdict, s.err
}

func (s *stubEngine) Status(_ context.Context, id ratelimit.Identity) (*engine.Status, error) {
	s.statusID = id
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &engine.Status{Identity: id, Usage: &ratelimit.Usage{TokensRemaining: 7}}, nil
}

func (s *stubEngine) Reset(_ context.Context, id ratelimit.Identity) (int64, error) {
	s.resetID = id
	return 3, nil
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate() {}

type nopRecorder struct{}

func (nopRecorder) Record(models.Event) {}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()

	db, err := storage.NewDatabase(sqlite.Open("file::memory:"), zerolog.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	tenants := repository.NewTenantRepository(db)
	admin := NewAdminHandler(service.NewAdminService(service.AdminRepositories{
		Plans:      repository.NewPlanRepository(db),
		Tenants:    tenants,
		Overrides:  repository.NewOverrideRepository(db),
		Blocks:     repository.NewBlockRepository(db),
		Aggregates: repository.NewAggregateRepository(db),
	}, nopInvalidator{}, nopInvalidator{}, nopRecorder{}, zerolog.Nop()))
	keys := NewAPIKeyHandler(service.NewAPIKeyService(repository.NewAPIKeyRepository(db), tenants, nil, zerolog.Nop()))
	auth := NewAuthHandler(service.NewAuthService(repository.NewOperatorRepository(db), "test-secret", 1))

	r := gin.New()
	r.POST("/auth/login", auth.Login)

	g := r.Group("/admin", func(c *gin.Context) {
		c.Set("email", "ops@example.com")
		c.Next()
	})
	g.POST("/operators", auth.CreateOperator)
	g.POST("/plans", admin.CreatePlan)
	g.GET("/plans", admin.ListPlans)
	g.GET("/plans/:id", admin.GetPlan)
	g.PUT("/plans/:id", admin.UpdatePlan)
	g.PUT("/tenants/:id", admin.SaveTenant)
	g.GET("/tenants", admin.ListTenants)
	g.POST("/overrides", admin.CreateOverride)
	g.GET("/overrides", admin.ListOverrides)
	g.DELETE("/overrides/:id", admin.DeactivateOverride)
	g.POST("/blocks", admin.CreateBlock)
	g.GET("/blocks", admin.ListBlocks)
	g.DELETE("/blocks/:id", admin.RemoveBlock)
	g.GET("/usage", admin.Usage)
	g.POST("/keys", keys.Create)
	g.GET("/keys", keys.List)
	g.GET("/keys/:id", keys.Get)
	g.PATCH("/keys/:id", keys.Update)
	return r
}

func TestDecisionHandler_Decide(t *testing.T) {
	eng := &stubEngine{verdict: &engine.Verdict{Allowed: true, TokensRemaining: 4}}
	h := NewDecisionHandler(eng)
	r := gin.New()
	r.POST("/v1/decisions", h.Decide)

	w := doJSON(r, http.MethodPost, "/v1/decisions", gin.H{
		"identity":        gin.H{"api_key_id": "k1", "tenant_id": "acme", "endpoint": "/v1/items"},
		"amount":          2,
		"idempotency_key": "abc",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, float64(4), body["tokens_remaining"])
	assert.Equal(t, "k1", eng.got.Identity.APIKeyID)
	assert.Equal(t, int64(2), eng.got.Amount)
	assert.Equal(t, "abc", eng.got.IdempotencyKey)
}

func TestDecisionHandler_DecideRejectsBadInput(t *testing.T) {
	r := gin.New()
	r.POST("/v1/decisions", NewDecisionHandler(&stubEngine{err: ratelimit.ErrInvalidAmount}).Decide)

	w := doJSON(r, http.MethodPost, "/v1/decisions", gin.H{"identity": gin.H{"api_key_id": "k1", "tenant_id": "t"}, "amount": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/decisions", bytes.NewBufferString("{not json"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionHandler_StatusAndReset(t *testing.T) {
	eng := &stubEngine{}
	h := NewDecisionHandler(eng)
	r := gin.New()
	r.GET("/admin/status", h.Status)
	r.POST("/admin/reset", h.Reset)

	w := doJSON(r, http.MethodGet, "/admin/status?api_key_id=k1&tenant_id=acme&region=eu", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ratelimit.Identity{APIKeyID: "k1", TenantID: "acme", Region: "eu"}, eng.statusID)

	w = doJSON(r, http.MethodGet, "/admin/status?api_key_id=k1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/admin/reset", gin.H{"api_key_id": "k1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["keys_removed"])
	assert.Equal(t, "k1", eng.resetID.APIKeyID)

	w = doJSON(r, http.MethodPost, "/admin/reset", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminHandler_PlanLifecycle(t *testing.T) {
	r := newRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/plans", gin.H{"name": "pro", "rate_per_second": 50, "burst_capacity": 100, "daily_quota": 10000})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = doJSON(r, http.MethodPost, "/admin/plans", gin.H{"name": "broken", "rate_per_second": 0, "burst_capacity": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPut, "/admin/plans/"+id, gin.H{"name": "pro", "rate_per_second": 60, "burst_capacity": 120})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(60), decode(t, w)["rate_per_second"])

	w = doJSON(r, http.MethodGet, "/admin/plans/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPut, "/admin/tenants/acme", gin.H{"name": "Acme", "plan_id": id})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", decode(t, w)["id"])

	w = doJSON(r, http.MethodGet, "/admin/tenants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tenants []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tenants))
	assert.Len(t, tenants, 1)
}

func TestAdminHandler_OverridesAndBlocks(t *testing.T) {
	r := newRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/overrides", gin.H{
		"target_type": "api_key",
		"target_id":   "k1",
		"patch":       gin.H{"rate_per_second": 1000},
		"reason":      "launch",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	override := decode(t, w)
	assert.Equal(t, "ops@example.com", override["created_by"])

	w = doJSON(r, http.MethodPost, "/admin/overrides", gin.H{"target_type": "planet", "target_id": "x", "patch": gin.H{"burst_capacity": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodDelete, "/admin/overrides/"+override["id"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/admin/overrides?target_type=api_key", nil)
	var active []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Empty(t, active)

	w = doJSON(r, http.MethodGet, "/admin/overrides?active=false", nil)
	var all []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 1)

	w = doJSON(r, http.MethodPost, "/admin/blocks", gin.H{"target_type": "endpoint", "target_id": "/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/admin/blocks", gin.H{"target_type": "ip", "target_id": "10.0.0.1", "reason": "abuse_detected"})
	require.Equal(t, http.StatusCreated, w.Code)
	blockID := decode(t, w)["id"].(string)

	w = doJSON(r, http.MethodDelete, "/admin/blocks/"+blockID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodDelete, "/admin/blocks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminHandler_Usage(t *testing.T) {
	r := newRouter(t)

	w := doJSON(r, http.MethodGet, "/admin/usage?from=2026-03-14T00:00:00Z&to=1773532800", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/admin/usage?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/admin/usage?from=2026-03-14T00:00:00Z&to=2026-03-13T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyHandler(t *testing.T) {
	r := newRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/keys", gin.H{"name": "ci", "tenant_id": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/admin/plans", gin.H{"name": "free", "rate_per_second": 1, "burst_capacity": 5})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(r, http.MethodPut, "/admin/tenants/acme", gin.H{"plan_id": decode(t, w)["id"]})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/admin/keys", gin.H{"name": "ci", "tenant_id": "acme"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	assert.Contains(t, created["key"], "gw_")
	id := created["api_key"].(map[string]interface{})["id"].(string)

	w = doJSON(r, http.MethodPatch, "/admin/keys/"+id, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPatch, "/admin/keys/"+id, gin.H{"is_active": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/admin/keys/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["is_active"])

	w = doJSON(r, http.MethodGet, "/admin/keys/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandler(t *testing.T) {
	r := newRouter(t)
	creds := gin.H{"email": "Ops@Example.com", "password": "correct-horse", "name": "Ops"}

	w := doJSON(r, http.MethodPost, "/admin/operators", creds)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "correct-horse")
	assert.Equal(t, "ops", decode(t, w)["role"])

	w = doJSON(r, http.MethodPost, "/admin/operators", creds)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/admin/operators", gin.H{"email": "x@example.com", "password": "correct-horse", "role": "root"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/auth/login", gin.H{"email": "ops@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["token"])

	w = doJSON(r, http.MethodPost, "/auth/login", gin.H{"email": "ops@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSystemHandler(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "counter", MaxFailures: 1, Timeout: time.Minute})
	_ = cb.Execute(context.Background(), func(context.Context) error { return assert.AnError })
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	h := NewSystemHandler(cb)
	r := gin.New()
	r.GET("/admin/circuit-breakers", h.CircuitBreakerStatus)
	r.POST("/admin/circuit-breakers/:name/reset", h.ResetCircuitBreaker)

	w := doJSON(r, http.MethodGet, "/admin/circuit-breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "open", decode(t, w)["counter"].(map[string]interface{})["state"])

	w = doJSON(r, http.MethodPost, "/admin/circuit-breakers/counter/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	w = doJSON(r, http.MethodPost, "/admin/circuit-breakers/redis/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
