package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed take.lua
var takeScript string

// RedisCounter runs the take script server side so refill, consumption and
// quota increments of one identity happen in one round trip.
type RedisCounter struct {
	client redis.UniversalClient
	keys   KeyBuilder
	script *redis.Script
}

var _ Counter = (*RedisCounter)(nil)

func NewRedisCounter(client redis.UniversalClient, keys KeyBuilder) *RedisCounter {
	return &RedisCounter{
		client: client,
		keys:   keys,
		script: redis.NewScript(takeScript),
	}
}

// Loads the script so the first request does not pay for the upload.
func (r *RedisCounter) Preload(ctx context.Context) error {
	return r.script.Load(ctx, r.client).Err()
}

func (r *RedisCounter) Take(ctx context.Context, req TakeRequest) (*TakeResult, error) {
	// Run falls back from EVALSHA to EVAL when the script cache was flushed
	raw, err := r.script.Run(ctx, r.client,
		[]string{req.Keys.Bucket, req.Keys.Daily, req.Keys.Monthly},
		req.Now.UnixMilli(),
		req.Amount,
		strconv.FormatFloat(req.Limits.RatePerSecond, 'f', -1, 64),
		req.Limits.BurstCapacity,
		req.Limits.DailyQuota,
		req.Limits.MonthlyQuota,
		req.IdempotencyKey,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: take script: %v", ErrCounterStoreUnavailable, err)
	}

	return parseTakeResult(raw)
}

func parseTakeResult(raw interface{}) (*TakeResult, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 6 {
		return nil, fmt.Errorf("%w: unexpected script reply %T", ErrCounterStoreUnavailable, raw)
	}

	ints := make([]int64, 5)
	for i := 0; i < 5; i++ {
		v, ok := values[i].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: script reply field %d is %T", ErrCounterStoreUnavailable, i, values[i])
		}
		ints[i] = v
	}

	reason, _ := values[5].(string)

	return &TakeResult{
		Allowed:         ints[0] == 1,
		TokensRemaining: ints[1],
		RetryAfter:      ints[2],
		DailyUsage:      ints[3],
		MonthlyUsage:    ints[4],
		Reason:          Reason(reason),
	}, nil
}

func (r *RedisCounter) Peek(ctx context.Context, keys Keys, cfg LimitConfig, now time.Time) (*Usage, error) {
	pipe := r.client.Pipeline()
	bucketCmd := pipe.HMGet(ctx, keys.Bucket, "tokens", "ts")
	dailyCmd := pipe.Get(ctx, keys.Daily)
	monthlyCmd := pipe.Get(ctx, keys.Monthly)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: peek: %v", ErrCounterStoreUnavailable, err)
	}

	usage := &Usage{TokensRemaining: cfg.BurstCapacity}

	if fields, err := bucketCmd.Result(); err == nil && len(fields) == 2 && fields[0] != nil && fields[1] != nil {
		tokens, errT := strconv.ParseFloat(fields[0].(string), 64)
		last, errL := strconv.ParseFloat(fields[1].(string), 64)
		if errT == nil && errL == nil {
			usage.TokensRemaining = int64(math.Floor(refill(tokens, int64(last), now.UnixMilli(), cfg)))
		}
	}

	usage.DailyUsage, _ = dailyCmd.Int64()
	usage.MonthlyUsage, _ = monthlyCmd.Int64()

	return usage, nil
}

func (r *RedisCounter) Reset(ctx context.Context, apiKeyID string) (int64, error) {
	var removed int64

	iter := r.client.Scan(ctx, 0, r.keys.KeyPrefix(apiKeyID)+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: reset: %v", ErrCounterStoreUnavailable, err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: reset scan: %v", ErrCounterStoreUnavailable, err)
	}

	return removed, nil
}

// Lazily refilled token count, capped at the burst capacity.
func refill(tokens float64, lastMs, nowMs int64, cfg LimitConfig) float64 {
	elapsed := float64(nowMs-lastMs) / 1000
	if elapsed < 0 {
		elapsed = 0
	}
	if cfg.RatePerSecond > 0 {
		tokens += elapsed * cfg.RatePerSecond
	}
	return math.Max(0, math.Min(float64(cfg.BurstCapacity), tokens))
}
