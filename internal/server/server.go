package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/blocklist"
	"github.com/aman-churiwal/admission-gateway/internal/cache"
	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/engine"
	"github.com/aman-churiwal/admission-gateway/internal/events"
	"github.com/aman-churiwal/admission-gateway/internal/handler"
	"github.com/aman-churiwal/admission-gateway/internal/logging"
	"github.com/aman-churiwal/admission-gateway/internal/metrics"
	"github.com/aman-churiwal/admission-gateway/internal/middleware"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/proxy"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/resolver"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     zerolog.Logger
	db         *storage.Database
	redis      *storage.RedisClient
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	counter    ratelimit.Counter
	breaker    *circuitbreaker.CircuitBreaker
	proxies    []*proxy.Proxy
	engine     *engine.Engine
	resolver   *resolver.Resolver
	blocks     *blocklist.Checker
	recorder   *events.Recorder
	scheduler  *events.Scheduler
	apiKeys    *service.APIKeyService
	auth       *service.AuthService
	admin      *service.AdminService
	httpServer *http.Server
	startedAt  time.Time
}

// New wires the admission engine and its stores into a router. redis may be
// nil when the memory counter backend is configured.
func New(cfg *config.Config, logger zerolog.Logger, db *storage.Database, redis *storage.RedisClient, registry *prometheus.Registry) (*Server, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:    gin.New(),
		config:    cfg,
		logger:    logger,
		db:        db,
		redis:     redis,
		registry:  registry,
		metrics:   metrics.New(registry),
		startedAt: time.Now(),
	}

	if err := s.router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid server.trusted_proxies: %w", err)
	}
	if len(cfg.Auth.ServiceTokens) == 0 {
		logger.Warn().Msg("no service tokens configured, decision endpoint rejects every call")
	}

	if err := s.initializeEngine(); err != nil {
		return nil, err
	}
	if err := s.initializeProxies(); err != nil {
		return nil, err
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) newBreaker(name string) *circuitbreaker.CircuitBreaker {
	bc := s.config.Limits.Breaker
	log := logging.Component(s.logger, "breaker")

	cb := circuitbreaker.New(circuitbreaker.Config{
		Name:            name,
		MaxFailures:     bc.MaxFailures,
		Timeout:         bc.Timeout,
		HalfOpenSuccess: bc.HalfOpenSuccess,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			s.metrics.SetBreakerState(name, int(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	s.metrics.SetBreakerState(name, int(circuitbreaker.StateClosed))
	return cb
}

func (s *Server) initializeEngine() error {
	lc := s.config.Limits
	keys := ratelimit.NewKeyBuilder(s.config.Redis.KeyPrefix)

	switch lc.CounterBackend {
	case "memory":
		s.counter = ratelimit.NewMemoryCounter(keys)
	default:
		if s.redis == nil {
			return errors.New("redis counter backend configured without a redis client")
		}
		s.counter = ratelimit.NewRedisCounter(s.redis.Client(), keys)
	}
	s.breaker = s.newBreaker("counter")

	cacheSize := lc.CacheSizeMB * 1024 * 1024
	defaults := ratelimit.LimitConfig{
		RatePerSecond: lc.DefaultPlan.RatePerSecond,
		BurstCapacity: lc.DefaultPlan.BurstCapacity,
		DailyQuota:    lc.DefaultPlan.DailyQuota,
		MonthlyQuota:  lc.DefaultPlan.MonthlyQuota,
	}

	plans := repository.NewPlanRepository(s.db)
	tenants := repository.NewTenantRepository(s.db)
	overrides := repository.NewOverrideRepository(s.db)
	blocks := repository.NewBlockRepository(s.db)
	eventRepo := repository.NewEventRepository(s.db)
	aggregates := repository.NewAggregateRepository(s.db)

	s.resolver = resolver.New(plans, overrides, defaults,
		cache.New("config", cacheSize, lc.ConfigCacheTTL, cache.WithRecorder(s.metrics)),
		resolver.WithLogger(logging.Component(s.logger, "resolver")),
	)
	s.blocks = blocklist.New(blocks,
		cache.New("block", cacheSize, lc.BlockCacheTTL, cache.WithRecorder(s.metrics)),
		blocklist.WithLogger(logging.Component(s.logger, "blocklist")),
	)

	s.recorder = events.NewRecorder(eventRepo, s.config.Events,
		events.WithLogger(logging.Component(s.logger, "events")),
		events.WithStats(s.metrics),
	)
	s.scheduler = events.NewScheduler(aggregates, blocks, eventRepo, s.recorder, s.config.Events,
		events.WithSchedulerLogger(logging.Component(s.logger, "scheduler")),
		events.OnBlocksExpired(func([]models.Block) { s.blocks.Invalidate() }),
	)

	s.engine = engine.New(engine.Deps{
		Resolver: s.resolver,
		Blocks:   s.blocks,
		Counter:  s.counter,
		Keys:     keys,
		Recorder: s.recorder,
		Metrics:  s.metrics,
		Breaker:  s.breaker,
	}, lc, engine.WithLogger(logging.Component(s.logger, "engine")))

	var keyCache service.KeyCache
	if s.redis != nil {
		keyCache = s.redis
	}
	s.apiKeys = service.NewAPIKeyService(repository.NewAPIKeyRepository(s.db), tenants, keyCache, logging.Component(s.logger, "apikeys"))
	s.auth = service.NewAuthService(repository.NewOperatorRepository(s.db), s.config.Auth.JWTSecret, s.config.Auth.JWTExpiryHours)
	s.admin = service.NewAdminService(service.AdminRepositories{
		Plans:      plans,
		Tenants:    tenants,
		Overrides:  overrides,
		Blocks:     blocks,
		Aggregates: aggregates,
	}, s.resolver, s.blocks, s.recorder, logging.Component(s.logger, "admin"))

	return nil
}

func (s *Server) initializeProxies() error {
	log := logging.Component(s.logger, "proxy")

	for _, svc := range s.config.Services {
		p, err := proxy.New(svc, s.newBreaker("upstream:"+svc.Path), log)
		if err != nil {
			return err
		}

		s.proxies = append(s.proxies, p)
		log.Info().Str("path", svc.Path).Str("target", svc.Target).Msg("initialized proxy")
	}
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(logging.Component(s.logger, "http")))
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	authHandler := handler.NewAuthHandler(s.auth)
	s.router.POST("/auth/login", authHandler.Login)

	decisions := handler.NewDecisionHandler(s.engine)
	s.router.POST("/v1/decisions", middleware.RequireServiceToken(s.config.Auth.ServiceTokens), decisions.Decide)

	adminHandler := handler.NewAdminHandler(s.admin)
	apiKeyHandler := handler.NewAPIKeyHandler(s.apiKeys)
	breakers := []*circuitbreaker.CircuitBreaker{s.breaker}
	for _, p := range s.proxies {
		breakers = append(breakers, p.Breaker())
	}
	systemHandler := handler.NewSystemHandler(breakers...)

	admin := s.router.Group("/admin",
		middleware.RequireAuth(s.auth),
		middleware.RequireRole(models.RoleOps, models.RoleViewer),
	)
	{
		admin.GET("/status", decisions.Status)
		admin.GET("/usage", adminHandler.Usage)
		admin.GET("/plans", adminHandler.ListPlans)
		admin.GET("/plans/:id", adminHandler.GetPlan)
		admin.GET("/tenants", adminHandler.ListTenants)
		admin.GET("/overrides", adminHandler.ListOverrides)
		admin.GET("/blocks", adminHandler.ListBlocks)
		admin.GET("/keys", apiKeyHandler.List)
		admin.GET("/keys/:id", apiKeyHandler.Get)
		admin.GET("/circuit-breakers", systemHandler.CircuitBreakerStatus)
	}

	ops := admin.Group("", middleware.RequireRole(models.RoleOps))
	{
		ops.POST("/operators", authHandler.CreateOperator)
		ops.POST("/reset", decisions.Reset)

		ops.POST("/plans", adminHandler.CreatePlan)
		ops.PUT("/plans/:id", adminHandler.UpdatePlan)
		ops.PUT("/tenants/:id", adminHandler.SaveTenant)

		ops.POST("/overrides", adminHandler.CreateOverride)
		ops.DELETE("/overrides/:id", adminHandler.DeactivateOverride)

		ops.POST("/blocks", adminHandler.CreateBlock)
		ops.DELETE("/blocks/:id", adminHandler.RemoveBlock)

		ops.POST("/keys", apiKeyHandler.Create)
		ops.PATCH("/keys/:id", apiKeyHandler.Update)

		ops.POST("/circuit-breakers/:name/reset", systemHandler.ResetCircuitBreaker)
	}

	s.setupProxyRoutes()
}

func (s *Server) setupProxyRoutes() {
	admission := []gin.HandlerFunc{
		middleware.APIKeyValidator(s.apiKeys),
		middleware.RateLimit(s.engine, logging.Component(s.logger, "ratelimit")),
	}

	for _, p := range s.proxies {
		handlers := append(append([]gin.HandlerFunc{}, admission...), p.Handle)

		s.router.Any(p.Path()+"/*proxyPath", handlers...)
		s.router.Any(p.Path(), handlers...)

		s.logger.Info().Str("path", p.Path()).Msg("registered proxy route")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if s.redis != nil {
		redisHealthy := true
		if err := s.redis.Ping(ctx); err != nil {
			redisHealthy = false
			healthy = false
			s.logger.Warn().Err(err).Msg("redis health check failed")
		}
		checks["redis"] = redisHealthy
	}

	dbHealthy := true
	if err := s.db.Ping(ctx); err != nil {
		dbHealthy = false
		healthy = false
		s.logger.Warn().Err(err).Msg("database health check failed")
	}
	checks["database"] = dbHealthy

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":          status,
		"service":         "admission-gateway",
		"timestamp":       time.Now().Unix(),
		"uptime":          time.Since(s.startedAt).Seconds(),
		"counter_backend": s.config.Limits.CounterBackend,
		"checks":          checks,
		"breaker":         s.breaker.Snapshot(),
		"events_dropped":  s.recorder.Dropped(),
	})
}

// Starts background work: script preload and the maintenance scheduler.
func (s *Server) Start(ctx context.Context) error {
	if rc, ok := s.counter.(*ratelimit.RedisCounter); ok {
		if err := rc.Preload(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to preload take script")
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info().
		Str("addr", addr).
		Str("environment", s.config.Server.Environment).
		Msg("starting admission gateway")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stops accepting requests, then flushes pending events.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.scheduler.Stop()

	if closeErr := s.recorder.Close(ctx); closeErr != nil {
		s.logger.Warn().Err(closeErr).Int64("dropped", s.recorder.Dropped()).Msg("event recorder did not drain")
		if err == nil {
			err = closeErr
		}
	}
	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
