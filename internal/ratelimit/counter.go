package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Counter executes the token bucket and quota check for one identity as a
// single indivisible step. Implementations must never split the read and the
// write across calls.
type Counter interface {
	Take(ctx context.Context, req TakeRequest) (*TakeResult, error)

	// Reports current usage without consuming anything
	Peek(ctx context.Context, keys Keys, cfg LimitConfig, now time.Time) (*Usage, error)

	// Drops buckets, quota counters and idempotency markers of an api key
	Reset(ctx context.Context, apiKeyID string) (int64, error)
}

type TakeRequest struct {
	Keys           Keys
	Now            time.Time
	Amount         int64
	Limits         LimitConfig
	IdempotencyKey string
}

// Mirrors the tuple returned by the counter script, in the same order.
type TakeResult struct {
	Allowed         bool
	TokensRemaining int64
	RetryAfter      int64 // seconds
	DailyUsage      int64
	MonthlyUsage    int64
	Reason          Reason
}

type Usage struct {
	TokensRemaining int64 `json:"tokens_remaining"`
	DailyUsage      int64 `json:"daily_usage"`
	MonthlyUsage    int64 `json:"monthly_usage"`
}

// Counter key names of one identity for one instant.
type Keys struct {
	Bucket  string
	Daily   string
	Monthly string
}

// Builds counter key names. Every key of an api key shares the {id} hash tag
// so the script's keys land in one cluster slot.
type KeyBuilder struct {
	Prefix string
}

func NewKeyBuilder(prefix string) KeyBuilder {
	if prefix == "" {
		prefix = "rl"
	}
	return KeyBuilder{Prefix: prefix}
}

func (b KeyBuilder) base(apiKeyID string) string {
	return fmt.Sprintf("%s:{%s}", b.Prefix, apiKeyID)
}

// Quota periods roll over on UTC calendar boundaries.
func (b KeyBuilder) Keys(id Identity, endpointScoped bool, now time.Time) Keys {
	base := b.base(id.APIKeyID)
	now = now.UTC()

	bucket := base + ":bucket"
	if endpointScoped && id.Endpoint != "" {
		bucket += ":" + id.Endpoint
	}

	return Keys{
		Bucket:  bucket,
		Daily:   base + ":daily:" + now.Format("20060102"),
		Monthly: base + ":monthly:" + now.Format("200601"),
	}
}

// Prefix shared by every key of an api key.
func (b KeyBuilder) KeyPrefix(apiKeyID string) string {
	return b.base(apiKeyID) + ":"
}
