package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/rs/zerolog"
)

const (
	storeBlock   = "block"
	storeConfig  = "config"
	storeCounter = "counter"
)

type ConfigResolver interface {
	Resolve(ctx context.Context, id ratelimit.Identity) (ratelimit.EffectiveConfig, error)
}

type BlockChecker interface {
	Check(ctx context.Context, id ratelimit.Identity) (*models.Block, error)
}

type EventRecorder interface {
	Record(e models.Event)
}

type Metrics interface {
	RecordDecision(allowed bool, reason string, took time.Duration)
	RecordDegraded(store, policy string)
	RecordStoreError(store string)
}

type Request struct {
	Identity       ratelimit.Identity `json:"identity"`
	Amount         int64              `json:"amount,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// The outcome of one admission decision.
type Verdict struct {
	Allowed           bool                      `json:"allowed"`
	Reason            ratelimit.Reason          `json:"reason,omitempty"`
	RetryAfterSeconds int64                     `json:"retry_after_seconds"`
	TokensRemaining   int64                     `json:"tokens_remaining"`
	DailyUsage        int64                     `json:"daily_usage"`
	MonthlyUsage      int64                     `json:"monthly_usage"`
	Config            ratelimit.EffectiveConfig `json:"config"`
	Degraded          bool                      `json:"degraded,omitempty"`
	Block             *models.Block             `json:"block,omitempty"`
}

// Current limits and usage of an identity, without consuming anything.
type Status struct {
	Identity ratelimit.Identity        `json:"identity"`
	Config   ratelimit.EffectiveConfig `json:"config"`
	Usage    *ratelimit.Usage          `json:"usage,omitempty"`
	Block    *models.Block             `json:"block,omitempty"`
	Degraded bool                      `json:"degraded,omitempty"`
}

type Deps struct {
	Resolver ConfigResolver
	Blocks   BlockChecker
	Counter  ratelimit.Counter
	Keys     ratelimit.KeyBuilder
	Recorder EventRecorder
	Metrics  Metrics

	// Optional; guards counter store calls
	Breaker *circuitbreaker.CircuitBreaker
}

// Engine decides admit, throttle or block for each request. Blocks are
// evaluated first, then the resolved limits are enforced by the counter
// store in one atomic step.
type Engine struct {
	deps             Deps
	policies         config.FailurePolicies
	timeout          time.Duration
	unavailableRetry int64
	warningThreshold float64
	now              func() time.Time
	logger           zerolog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func New(deps Deps, cfg config.LimitsConfig, opts ...Option) *Engine {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	retry := int64(math.Ceil(cfg.UnavailableRetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}

	policies := cfg.FailurePolicy
	if !policies.Counter.Valid() || !policies.Config.Valid() || !policies.Block.Valid() {
		policies = config.DefaultFailurePolicies()
	}

	e := &Engine{
		deps:             deps,
		policies:         policies,
		timeout:          timeout,
		unavailableRetry: retry,
		warningThreshold: cfg.WarningThreshold,
		now:              time.Now,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check evaluates one request. Only invalid input is returned as an error;
// store outages are resolved into a verdict by the failure policies.
//
// Store calls are detached from the caller's cancellation so quota that was
// consumed is never reported as an error afterwards.
func (e *Engine) Check(ctx context.Context, req Request) (*Verdict, error) {
	start := time.Now()

	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 1 {
		return nil, ratelimit.ErrInvalidAmount
	}
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	v := e.decide(storeCtx, req)
	e.deps.Metrics.RecordDecision(v.Allowed, string(v.Reason), time.Since(start))

	return v, nil
}

func (e *Engine) decide(ctx context.Context, req Request) *Verdict {
	id := req.Identity
	now := e.now()
	degraded := false

	block, err := e.deps.Blocks.Check(ctx, id)
	switch {
	case err != nil:
		if e.storeFailed(storeBlock, e.policies.Block, id, err) {
			return e.unavailable(ratelimit.EffectiveConfig{})
		}
		degraded = true
	case block != nil:
		return e.blocked(ctx, req, block, now)
	}

	cfg, err := e.deps.Resolver.Resolve(ctx, id)
	if err != nil {
		if e.storeFailed(storeConfig, e.policies.Config, id, err) {
			return e.unavailable(cfg)
		}
		cfg.Degraded = true
		degraded = true
	}

	result, err := e.take(ctx, ratelimit.TakeRequest{
		Keys:           e.deps.Keys.Keys(id, cfg.EndpointScoped, now),
		Now:            now,
		Amount:         req.Amount,
		Limits:         cfg.LimitConfig,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if e.storeFailed(storeCounter, e.policies.Counter, id, err) {
			return e.unavailable(cfg)
		}
		return &Verdict{Allowed: true, Config: cfg, Degraded: true}
	}

	v := &Verdict{
		Allowed:           result.Allowed,
		Reason:            result.Reason,
		RetryAfterSeconds: result.RetryAfter,
		TokensRemaining:   result.TokensRemaining,
		DailyUsage:        result.DailyUsage,
		MonthlyUsage:      result.MonthlyUsage,
		Config:            cfg,
		Degraded:          degraded,
	}

	e.emit(req, v)
	return v
}

func (e *Engine) take(ctx context.Context, req ratelimit.TakeRequest) (*ratelimit.TakeResult, error) {
	if e.deps.Breaker == nil {
		return e.deps.Counter.Take(ctx, req)
	}

	var result *ratelimit.TakeResult
	err := e.deps.Breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := e.deps.Counter.Take(ctx, req)
		result = r
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", ratelimit.ErrCounterStoreUnavailable, err)
	}
	return result, err
}

// Logs and counts a store failure. Reports whether the request must be denied.
func (e *Engine) storeFailed(store string, policy config.FailurePolicy, id ratelimit.Identity, err error) bool {
	e.deps.Metrics.RecordStoreError(store)
	e.deps.Metrics.RecordDegraded(store, string(policy))

	e.logger.Warn().Err(err).
		Str("store", store).
		Str("policy", string(policy)).
		Str("api_key_id", id.APIKeyID).
		Str("tenant_id", id.TenantID).
		Msg("store unavailable")

	return policy == config.FailClosed
}

func (e *Engine) unavailable(cfg ratelimit.EffectiveConfig) *Verdict {
	return &Verdict{
		Allowed:           false,
		Reason:            ratelimit.ReasonServiceUnavailable,
		RetryAfterSeconds: e.unavailableRetry,
		Config:            cfg,
		Degraded:          true,
	}
}

// The block already denies, so a config store failure only degrades the
// limits reported alongside it.
func (e *Engine) blocked(ctx context.Context, req Request, block *models.Block, now time.Time) *Verdict {
	cfg, err := e.deps.Resolver.Resolve(ctx, req.Identity)
	if err != nil {
		e.storeFailed(storeConfig, config.FailOpen, req.Identity, err)
		cfg.Degraded = true
	}

	var retry int64
	if block.ExpiresAt != nil {
		retry = int64(math.Ceil(block.ExpiresAt.Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
	}

	v := &Verdict{
		Allowed:           false,
		Reason:            ratelimit.BlockedReason(string(block.Reason)),
		RetryAfterSeconds: retry,
		Config:            cfg,
		Block:             block,
		Degraded:          cfg.Degraded,
	}

	e.deps.Recorder.Record(e.event(models.EventBlockHit, req, v, map[string]string{
		"block_id":    block.ID.String(),
		"target_type": string(block.TargetType),
		"target_id":   block.TargetID,
	}))
	return v
}

// Records throttle, quota and warning events for a counter decision.
func (e *Engine) emit(req Request, v *Verdict) {
	switch {
	case v.Reason == ratelimit.ReasonRateLimit:
		e.deps.Recorder.Record(e.event(models.EventThrottle, req, v, map[string]string{
			"retry_after": strconv.FormatInt(v.RetryAfterSeconds, 10),
		}))
	case v.Reason.IsQuota():
		e.deps.Recorder.Record(e.event(models.EventQuotaExceeded, req, v, map[string]string{
			"quota": string(v.Reason),
		}))
	case v.Allowed && v.Reason == ratelimit.ReasonNone && e.crossedWarning(v.DailyUsage, req.Amount, v.Config.DailyQuota):
		e.deps.Recorder.Record(e.event(models.EventQuotaWarning, req, v, map[string]string{
			"daily_quota": strconv.FormatInt(v.Config.DailyQuota, 10),
			"threshold":   strconv.FormatFloat(e.warningThreshold, 'f', -1, 64),
		}))
	}
}

// True only for the request that moved usage across the threshold.
func (e *Engine) crossedWarning(daily, amount, quota int64) bool {
	if quota <= 0 || e.warningThreshold <= 0 {
		return false
	}

	threshold := e.warningThreshold * float64(quota)
	return float64(daily-amount) < threshold && float64(daily) >= threshold
}

func (e *Engine) event(t models.EventType, req Request, v *Verdict, metadata map[string]string) models.Event {
	id := req.Identity
	if v.Config.Plan != "" {
		metadata["plan"] = v.Config.Plan
	}

	return models.Event{
		Type:         t,
		TenantID:     id.TenantID,
		APIKeyID:     id.APIKeyID,
		Endpoint:     id.Endpoint,
		IP:           id.IP,
		Region:       id.Region,
		Reason:       string(v.Reason),
		Amount:       req.Amount,
		DailyUsage:   v.DailyUsage,
		MonthlyUsage: v.MonthlyUsage,
		Metadata:     metadata,
		CreatedAt:    e.now().UTC(),
	}
}

// Status reports the limits and usage of an identity. Store failures are
// reflected as Degraded rather than failing the whole call.
func (e *Engine) Status(ctx context.Context, id ratelimit.Identity) (*Status, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	now := e.now()
	st := &Status{Identity: id}

	cfg, err := e.deps.Resolver.Resolve(ctx, id)
	if err != nil {
		st.Degraded = true
	}
	st.Config = cfg

	block, err := e.deps.Blocks.Check(ctx, id)
	if err != nil {
		st.Degraded = true
	}
	st.Block = block

	usage, err := e.deps.Counter.Peek(ctx, e.deps.Keys.Keys(id, cfg.EndpointScoped, now), cfg.LimitConfig, now)
	if err != nil {
		e.logger.Warn().Err(err).Str("api_key_id", id.APIKeyID).Msg("failed to read usage")
		st.Degraded = true
	}
	st.Usage = usage

	return st, nil
}

// Reset drops all counters of the identity's api key.
func (e *Engine) Reset(ctx context.Context, id ratelimit.Identity) (int64, error) {
	if err := ratelimit.ValidateAPIKeyID(id.APIKeyID); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	removed, err := e.deps.Counter.Reset(ctx, id.APIKeyID)
	if err != nil {
		return 0, err
	}

	e.logger.Info().Str("api_key_id", id.APIKeyID).Int64("keys", removed).Msg("counters reset")
	return removed, nil
}

type nopRecorder struct{}

func (nopRecorder) Record(models.Event) {}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(bool, string, time.Duration) {}
func (nopMetrics) RecordDegraded(string, string)              {}
func (nopMetrics) RecordStoreError(string)                    {}
