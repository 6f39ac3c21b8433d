package proxy

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, backend *httptest.Server, maxFailures int) (*gin.Engine, *Proxy) {
	t.Helper()

	cb := circuitbreaker.New(circuitbreaker.Config{Name: "/api/orders", MaxFailures: maxFailures, Timeout: time.Minute})
	p, err := New(config.ServiceConfig{Path: "/api/orders", Target: backend.URL}, cb, zerolog.Nop())
	require.NoError(t, err)

	r := gin.New()
	r.Any(p.Path()+"/*path", p.Handle)
	return r, p
}

func TestProxy_ForwardsRequest(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer backend.Close()

	r, _ := newRouter(t, backend, 3)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/orders/42", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/api/orders/42", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "created", w.Body.String())
}

func TestProxy_ServerErrorsOpenBreaker(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	r, p := newRouter(t, backend, 2)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}
	assert.Equal(t, circuitbreaker.StateOpen, p.Breaker().State())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestProxy_UnreachableUpstream(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backend.Close()

	r, _ := newRouter(t, backend, 5)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestNew_RejectsRelativeTarget(t *testing.T) {
	_, err := New(config.ServiceConfig{Path: "/x", Target: "localhost:9000"}, circuitbreaker.New(circuitbreaker.Config{}), zerolog.Nop())
	assert.Error(t, err)
}
