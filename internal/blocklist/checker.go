package blocklist

import (
	"context"
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/cache"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/rs/zerolog"
)

type Store interface {
	ActiveFor(ctx context.Context, targetType ratelimit.TargetType, targetID string, now time.Time) (*models.Block, error)
}

// Checker answers whether any dimension of an identity is blocked.
// Both hits and misses are cached so unblocked traffic costs no store reads.
type Checker struct {
	store  Store
	cache  *cache.Cache
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Checker)

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

func New(store Store, c *cache.Cache, opts ...Option) *Checker {
	checker := &Checker{
		store:  store,
		cache:  c,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(checker)
	}
	return checker
}

// cached lookup result; a nil Block records "not blocked"
type entry struct {
	Block *models.Block `json:"block"`
}

// Returns the first active block in api_key, tenant, ip order, or nil.
// A store failure is reported as ErrBlockStoreUnavailable, never as "not blocked".
func (c *Checker) Check(ctx context.Context, id ratelimit.Identity) (*models.Block, error) {
	now := c.now()

	for _, targetType := range ratelimit.BlockPriority {
		targetID := id.Target(targetType)
		if targetID == "" {
			continue
		}

		block, err := c.lookup(ctx, targetType, targetID, now)
		if err != nil {
			c.logger.Error().Err(err).
				Str("target_type", string(targetType)).
				Str("target_id", targetID).
				Msg("block lookup failed")
			return nil, fmt.Errorf("%w: %w", ratelimit.ErrBlockStoreUnavailable, err)
		}

		// a cached block may have expired since it was stored
		if block != nil && block.ActiveAt(now) {
			return block, nil
		}
	}

	return nil, nil
}

func (c *Checker) lookup(ctx context.Context, targetType ratelimit.TargetType, targetID string, now time.Time) (*models.Block, error) {
	key := string(targetType) + "|" + targetID

	var cached entry
	if c.cache.Get(key, &cached) {
		return cached.Block, nil
	}

	block, err := c.store.ActiveFor(ctx, targetType, targetID, now)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(key, entry{Block: block}); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to cache block lookup")
	}
	return block, nil
}

// Drops every cached lookup. Called after blocks are created or removed.
func (c *Checker) Invalidate() {
	c.cache.Clear()
}
