package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	memoryShards      = 64
	sweepEvery        = 1024
	idempotencyTTL    = 24 * time.Hour
	dailyCounterTTL   = 48 * time.Hour
	monthlyCounterTTL = 35 * 24 * time.Hour
	maxBucketTTL      = 30 * 24 * time.Hour
	dailyRetryAfter   = 3600
	monthlyRetryAfter = 86400
)

// MemoryCounter is a single-process Counter. Identities are sharded by api key
// so one mutex serializes every operation of an identity, the same guarantee
// the redis script gives across processes.
type MemoryCounter struct {
	keys   KeyBuilder
	shards [memoryShards]*memoryShard
}

var _ Counter = (*MemoryCounter)(nil)

type memoryShard struct {
	mu       sync.Mutex
	buckets  map[string]*memoryBucket
	counters map[string]*memoryCounter
	markers  map[string]*memoryMarker
	ops      int
}

type memoryBucket struct {
	tokens   float64
	lastMs   int64
	expireAt time.Time
}

type memoryCounter struct {
	value    int64
	expireAt time.Time
}

type memoryMarker struct {
	result   TakeResult
	expireAt time.Time
}

func NewMemoryCounter(keys KeyBuilder) *MemoryCounter {
	m := &MemoryCounter{keys: keys}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			buckets:  make(map[string]*memoryBucket),
			counters: make(map[string]*memoryCounter),
			markers:  make(map[string]*memoryMarker),
		}
	}
	return m
}

// Every key of an identity carries its {api key} tag, which picks the shard.
func (m *MemoryCounter) shardFor(key string) *memoryShard {
	tag := key
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start:], '}'); end > 0 {
			tag = key[start+1 : start+end]
		}
	}
	return m.shards[xxhash.Sum64String(tag)%memoryShards]
}

func (m *MemoryCounter) Take(_ context.Context, req TakeRequest) (*TakeResult, error) {
	s := m.shardFor(req.Keys.Bucket)
	now := req.Now
	nowMs := now.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops++
	if s.ops%sweepEvery == 0 {
		s.sweep(now)
	}

	var markerKey string
	if req.IdempotencyKey != "" {
		markerKey = idempotencyKey(req.Keys.Bucket, req.IdempotencyKey)
		if marker, ok := s.markers[markerKey]; ok && now.Before(marker.expireAt) {
			replay := marker.result
			replay.Reason = ReasonIdempotent
			return &replay, nil
		}
	}

	daily := s.counterValue(req.Keys.Daily, now)
	monthly := s.counterValue(req.Keys.Monthly, now)

	tokens := float64(req.Limits.BurstCapacity)
	lastMs := nowMs
	if b, ok := s.buckets[req.Keys.Bucket]; ok && now.Before(b.expireAt) {
		tokens, lastMs = b.tokens, b.lastMs
	}
	tokens = refill(tokens, lastMs, nowMs, req.Limits)

	if req.Limits.DailyQuota > 0 && daily >= req.Limits.DailyQuota {
		return &TakeResult{
			TokensRemaining: int64(math.Floor(tokens)),
			RetryAfter:      dailyRetryAfter,
			DailyUsage:      daily,
			MonthlyUsage:    monthly,
			Reason:          ReasonDailyQuota,
		}, nil
	}

	if req.Limits.MonthlyQuota > 0 && monthly >= req.Limits.MonthlyQuota {
		return &TakeResult{
			TokensRemaining: int64(math.Floor(tokens)),
			RetryAfter:      monthlyRetryAfter,
			DailyUsage:      daily,
			MonthlyUsage:    monthly,
			Reason:          ReasonMonthlyQuota,
		}, nil
	}

	if nowMs > lastMs {
		lastMs = nowMs
	}
	bucketTTL := bucketLifetime(req.Limits)

	amount := float64(req.Amount)
	if tokens >= amount {
		tokens -= amount
		s.buckets[req.Keys.Bucket] = &memoryBucket{tokens: tokens, lastMs: lastMs, expireAt: now.Add(bucketTTL)}

		result := TakeResult{
			Allowed:         true,
			TokensRemaining: int64(math.Floor(tokens)),
			DailyUsage:      s.incr(req.Keys.Daily, req.Amount, now, dailyCounterTTL),
			MonthlyUsage:    s.incr(req.Keys.Monthly, req.Amount, now, monthlyCounterTTL),
		}

		if markerKey != "" {
			s.markers[markerKey] = &memoryMarker{result: result, expireAt: now.Add(idempotencyTTL)}
		}

		return &result, nil
	}

	s.buckets[req.Keys.Bucket] = &memoryBucket{tokens: tokens, lastMs: lastMs, expireAt: now.Add(bucketTTL)}

	retryAfter := int64(monthlyRetryAfter)
	if req.Limits.RatePerSecond > 0 {
		retryAfter = int64(math.Ceil((amount - tokens) / req.Limits.RatePerSecond))
	}
	if retryAfter < 1 {
		retryAfter = 1
	}

	return &TakeResult{
		TokensRemaining: int64(math.Floor(tokens)),
		RetryAfter:      retryAfter,
		DailyUsage:      daily,
		MonthlyUsage:    monthly,
		Reason:          ReasonRateLimit,
	}, nil
}

func (m *MemoryCounter) Peek(_ context.Context, keys Keys, cfg LimitConfig, now time.Time) (*Usage, error) {
	s := m.shardFor(keys.Bucket)

	s.mu.Lock()
	defer s.mu.Unlock()

	usage := &Usage{
		TokensRemaining: cfg.BurstCapacity,
		DailyUsage:      s.counterValue(keys.Daily, now),
		MonthlyUsage:    s.counterValue(keys.Monthly, now),
	}
	if b, ok := s.buckets[keys.Bucket]; ok && now.Before(b.expireAt) {
		usage.TokensRemaining = int64(math.Floor(refill(b.tokens, b.lastMs, now.UnixMilli(), cfg)))
	}

	return usage, nil
}

func (m *MemoryCounter) Reset(_ context.Context, apiKeyID string) (int64, error) {
	prefix := m.keys.KeyPrefix(apiKeyID)
	s := m.shardFor(prefix)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k := range s.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(s.buckets, k)
			removed++
		}
	}
	for k := range s.counters {
		if strings.HasPrefix(k, prefix) {
			delete(s.counters, k)
			removed++
		}
	}
	for k := range s.markers {
		if strings.HasPrefix(k, prefix) {
			delete(s.markers, k)
			removed++
		}
	}

	return removed, nil
}

func (s *memoryShard) counterValue(key string, now time.Time) int64 {
	if c, ok := s.counters[key]; ok && now.Before(c.expireAt) {
		return c.value
	}
	return 0
}

func (s *memoryShard) incr(key string, by int64, now time.Time, ttl time.Duration) int64 {
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expireAt) {
		c = &memoryCounter{expireAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.value += by
	return c.value
}

func (s *memoryShard) sweep(now time.Time) {
	for k, b := range s.buckets {
		if !now.Before(b.expireAt) {
			delete(s.buckets, k)
		}
	}
	for k, c := range s.counters {
		if !now.Before(c.expireAt) {
			delete(s.counters, k)
		}
	}
	for k, m := range s.markers {
		if !now.Before(m.expireAt) {
			delete(s.markers, k)
		}
	}
}

// Same naming as the take script: the marker hangs off the {api key} prefix.
func idempotencyKey(bucketKey, token string) string {
	base := bucketKey
	if end := strings.IndexByte(bucketKey, '}'); end >= 0 {
		base = bucketKey[:end+1]
	}
	return base + ":idem:" + token
}

// A bucket lives until it would be full again plus a minute, capped so a
// near-zero rate cannot overflow the duration.
func bucketLifetime(limits LimitConfig) time.Duration {
	if limits.RatePerSecond <= 0 {
		return time.Hour
	}
	secs := float64(limits.BurstCapacity) / limits.RatePerSecond
	if secs >= maxBucketTTL.Seconds() {
		return maxBucketTTL
	}
	return time.Duration(secs*float64(time.Second)) + time.Minute
}
