package cache

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/coocood/freecache"
)

// freecache refuses anything smaller
const minSizeBytes = 512 * 1024

// Cache is a bounded in-process TTL cache. Each resolver or checker owns its
// own instance so engines stay independently testable and clearable.
type Cache struct {
	name  string
	store *freecache.Cache
	ttl   time.Duration
	stats Recorder
}

// Receives hit/miss notifications, typically backed by prometheus.
type Recorder interface {
	CacheHit(name string)
	CacheMiss(name string)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(string)  {}
func (nopRecorder) CacheMiss(string) {}

type Option func(*options)

type options struct {
	clock func() time.Time
	stats Recorder
}

// Drives expiry from the given clock instead of the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.stats = r
		}
	}
}

type clockTimer func() time.Time

func (c clockTimer) Now() uint32 {
	return uint32(c().Unix())
}

func New(name string, sizeBytes int, ttl time.Duration, opts ...Option) *Cache {
	o := options{stats: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}

	if sizeBytes < minSizeBytes {
		sizeBytes = minSizeBytes
	}

	var store *freecache.Cache
	if o.clock != nil {
		store = freecache.NewCacheCustomTimer(sizeBytes, clockTimer(o.clock))
	} else {
		store = freecache.NewCache(sizeBytes)
	}

	return &Cache{
		name:  name,
		store: store,
		ttl:   ttl,
		stats: o.stats,
	}
}

// Decodes the cached value into out. Reports false on a miss or an
// undecodable entry.
func (c *Cache) Get(key string, out interface{}) bool {
	data, err := c.store.Get([]byte(key))
	if err != nil {
		c.stats.CacheMiss(c.name)
		return false
	}

	if err := json.Unmarshal(data, out); err != nil {
		c.store.Del([]byte(key))
		c.stats.CacheMiss(c.name)
		return false
	}

	c.stats.CacheHit(c.name)
	return true
}

func (c *Cache) Set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	// freecache counts expiry in whole seconds
	seconds := int(math.Ceil(c.ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	if err := c.store.Set([]byte(key), data, seconds); err != nil {
		if errors.Is(err, freecache.ErrLargeEntry) || errors.Is(err, freecache.ErrLargeKey) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Cache) Delete(key string) {
	c.store.Del([]byte(key))
}

func (c *Cache) Clear() {
	c.store.Clear()
}

func (c *Cache) Len() int64 {
	return c.store.EntryCount()
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}
