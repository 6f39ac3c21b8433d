package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/cache"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type PlanStore interface {
	ForTenant(ctx context.Context, tenantID string) (*models.Plan, error)
}

type OverrideStore interface {
	ActiveFor(ctx context.Context, targetType ratelimit.TargetType, targetID string, now time.Time) (*models.Override, error)
}

// Resolver computes the limits enforced for an identity: the tenant's plan,
// the plan's endpoint sub-config, then every matching override in precedence
// order. Results are cached for a short TTL.
type Resolver struct {
	plans     PlanStore
	overrides OverrideStore
	defaults  ratelimit.LimitConfig
	cache     *cache.Cache
	group     singleflight.Group
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// defaults applies to tenants without an active plan.
func New(plans PlanStore, overrides OverrideStore, defaults ratelimit.LimitConfig, c *cache.Cache, opts ...Option) *Resolver {
	r := &Resolver{
		plans:     plans,
		overrides: overrides,
		defaults:  defaults,
		cache:     c,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Returns the effective configuration. When the store cannot be read the
// fallback limits are returned alongside an error wrapping
// ErrConfigStoreUnavailable; those are never cached.
func (r *Resolver) Resolve(ctx context.Context, id ratelimit.Identity) (ratelimit.EffectiveConfig, error) {
	key := cacheKey(id)

	var cfg ratelimit.EffectiveConfig
	if r.cache.Get(key, &cfg) {
		return cfg, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		loaded, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(key, loaded); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to cache effective config")
		}
		return loaded, nil
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("api_key_id", id.APIKeyID).
			Str("tenant_id", id.TenantID).
			Msg("config store unavailable, using fallback limits")
		return ratelimit.FallbackConfig(), fmt.Errorf("%w: %w", ratelimit.ErrConfigStoreUnavailable, err)
	}

	return v.(ratelimit.EffectiveConfig), nil
}

// Drops every cached configuration. Called after plans or overrides change.
func (r *Resolver) Invalidate() {
	r.cache.Clear()
}

func (r *Resolver) load(ctx context.Context, id ratelimit.Identity) (ratelimit.EffectiveConfig, error) {
	var eff ratelimit.EffectiveConfig

	plan, err := r.plans.ForTenant(ctx, id.TenantID)
	if err != nil {
		return eff, fmt.Errorf("plan for tenant %s: %w", id.TenantID, err)
	}

	if plan != nil {
		eff.LimitConfig = plan.Limits()
		eff.Plan = plan.Name
		eff.Layers = append(eff.Layers, "plan:"+plan.Name)

		if id.Endpoint != "" {
			if patch, ok := plan.Endpoints[id.Endpoint]; ok && !patch.IsEmpty() {
				eff.LimitConfig = patch.Apply(eff.LimitConfig)
				eff.EndpointScoped = true
				eff.Layers = append(eff.Layers, "plan_endpoint:"+id.Endpoint)
			}
		}
	} else {
		eff.LimitConfig = r.defaults
		eff.Plan = "default"
		eff.Layers = append(eff.Layers, "plan:default")
	}

	now := r.now()
	for _, targetType := range ratelimit.OverridePrecedence {
		targetID := id.Target(targetType)
		if targetID == "" {
			continue
		}

		o, err := r.overrides.ActiveFor(ctx, targetType, targetID, now)
		if err != nil {
			return eff, fmt.Errorf("%s override for %s: %w", targetType, targetID, err)
		}
		if o == nil || !o.ActiveAt(now) || o.Patch.IsEmpty() {
			continue
		}

		eff.LimitConfig = o.Patch.Apply(eff.LimitConfig)
		eff.Layers = append(eff.Layers, "override:"+string(targetType))
		if targetType == ratelimit.TargetEndpoint {
			eff.EndpointScoped = true
		}
	}

	return eff, nil
}

func cacheKey(id ratelimit.Identity) string {
	return strings.Join([]string{id.APIKeyID, id.TenantID, id.Endpoint, id.IP, id.Region}, "|")
}
