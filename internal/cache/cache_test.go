package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type countingRecorder struct {
	hits, misses int
}

func (c *countingRecorder) CacheHit(string)  { c.hits++ }
func (c *countingRecorder) CacheMiss(string) { c.misses++ }

type entry struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

func TestCache_SetGet(t *testing.T) {
	c := New("test", 0, time.Minute)

	require.NoError(t, c.Set("a", entry{Name: "pro", Limit: 100}))

	var got entry
	require.True(t, c.Get("a", &got))
	assert.Equal(t, entry{Name: "pro", Limit: 100}, got)

	assert.False(t, c.Get("missing", &got))
	assert.Equal(t, int64(1), c.Len())
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New("test", 0, 5*time.Second, WithClock(clock.Now))

	require.NoError(t, c.Set("k", entry{Name: "x"}))

	var got entry
	clock.Advance(4 * time.Second)
	assert.True(t, c.Get("k", &got))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Get("k", &got))
}

func TestCache_SubSecondTTLRoundsUp(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New("test", 0, 200*time.Millisecond, WithClock(clock.Now))

	require.NoError(t, c.Set("k", entry{}))

	var got entry
	assert.True(t, c.Get("k", &got))
}

func TestCache_DeleteAndClear(t *testing.T) {
	c := New("test", 0, time.Minute)
	require.NoError(t, c.Set("a", entry{}))
	require.NoError(t, c.Set("b", entry{}))

	var got entry
	c.Delete("a")
	assert.False(t, c.Get("a", &got))
	assert.True(t, c.Get("b", &got))

	c.Clear()
	assert.False(t, c.Get("b", &got))
	assert.Equal(t, int64(0), c.Len())
}

func TestCache_InstancesAreIndependent(t *testing.T) {
	a := New("a", 0, time.Minute)
	b := New("b", 0, time.Minute)

	require.NoError(t, a.Set("k", entry{Name: "a"}))

	var got entry
	assert.False(t, b.Get("k", &got))
	a.Clear()
	require.NoError(t, b.Set("k", entry{Name: "b"}))
	assert.True(t, b.Get("k", &got))
	assert.Equal(t, "b", got.Name)
}

func TestCache_RecordsHitsAndMisses(t *testing.T) {
	rec := &countingRecorder{}
	c := New("test", 0, time.Minute, WithRecorder(rec))

	var got entry
	c.Get("k", &got)
	require.NoError(t, c.Set("k", entry{}))
	c.Get("k", &got)
	c.Get("k", &got)

	assert.Equal(t, 2, rec.hits)
	assert.Equal(t, 1, rec.misses)
}
