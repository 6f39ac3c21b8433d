package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

var errUpstream = errors.New("upstream returned a server error")

// Proxy forwards admitted requests to one upstream service. Upstream 5xx
// responses count against the breaker.
type Proxy struct {
	path    string
	target  *url.URL
	proxy   *httputil.ReverseProxy
	breaker *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger
}

func New(svc config.ServiceConfig, breaker *circuitbreaker.CircuitBreaker, logger zerolog.Logger) (*Proxy, error) {
	target, err := url.Parse(svc.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target for %s: %w", svc.Path, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid target for %s: %q is not absolute", svc.Path, svc.Target)
	}

	p := &Proxy{
		path:    strings.TrimSuffix(svc.Path, "/"),
		target:  target,
		breaker: breaker,
		logger:  logger.With().Str("service", svc.Path).Logger(),
	}

	p.proxy = httputil.NewSingleHostReverseProxy(target)
	p.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn().Err(err).Str("target", target.Host).Msg("upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	return p, nil
}

func (p *Proxy) Path() string {
	return p.path
}

func (p *Proxy) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// Forwards the request to the backend
func (p *Proxy) Handle(c *gin.Context) {
	err := p.breaker.Execute(c.Request.Context(), func(ctx context.Context) error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request.WithContext(ctx)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = p.target.Host

		p.proxy.ServeHTTP(recorder, req)

		if recorder.statusCode >= http.StatusInternalServerError {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn().Msg("circuit breaker open")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
