package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDegradedService builds a service that skips the Redis probe entirely,
// exercising the in-process backend.
func newDegradedService() *Service {
	return &Service{
		mem: newMemoryStore(),
		log: zerolog.Nop(),
	}
}

func TestDegradedSetGet(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	ok := s.Set(ctx, "price:RELIANCE", map[string]any{"close": 2500.5}, time.Minute)
	require.True(t, ok)

	value, found := s.Get(ctx, "price:RELIANCE")
	require.True(t, found)
	data, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2500.5, data["close"])
}

func TestDegradedTTLExpiry(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	s.Set(ctx, "price:TCS", map[string]any{"close": 3600.0}, 50*time.Millisecond)

	_, found := s.Get(ctx, "price:TCS")
	require.True(t, found, "entry must be readable before expiry")

	time.Sleep(100 * time.Millisecond)

	_, found = s.Get(ctx, "price:TCS")
	assert.False(t, found, "entry past expiry must be a miss")
	// Lazy eviction removed the entry on that read
	assert.Equal(t, 0, s.mem.len())
}

func TestDegradedDelete(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	s.Set(ctx, "analysis:INFY", "result", time.Minute)
	require.True(t, s.Delete(ctx, "analysis:INFY"))

	_, found := s.Get(ctx, "analysis:INFY")
	assert.False(t, found)
}

func TestDegradedDeleteByPrefix(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	s.Set(ctx, "price:A", 1, time.Minute)
	s.Set(ctx, "price:B", 2, time.Minute)
	s.Set(ctx, "analysis:A", 3, time.Minute)

	count := s.DeleteByPrefix(ctx, "price:")
	assert.Equal(t, 2, count)

	_, found := s.Get(ctx, "analysis:A")
	assert.True(t, found, "keys outside the prefix must survive")
}

func TestDegradedHashReadsAreEmpty(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	// Partial-field reads are a primary-backend capability; degraded mode
	// returns empty results rather than failing.
	assert.False(t, s.SetQuoteHash(ctx, "TCS", map[string]any{"close": 1.0}))

	_, found := s.GetQuoteField(ctx, "TCS", "close")
	assert.False(t, found)

	fields := s.GetQuoteFields(ctx, "TCS", []string{"close", "volume"})
	assert.Empty(t, fields)
}

func TestDegradedRankedSetsAndPubSub(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	assert.False(t, s.UpdateTopMovers(ctx, map[string]float64{"A": 2.0}, nil))
	assert.Nil(t, s.TopGainers(ctx, 10))
	assert.Nil(t, s.TopLosers(ctx, 10))
	assert.False(t, s.PublishPrice(ctx, "A", map[string]any{"close": 1.0}))
	assert.False(t, s.PushAlert(ctx, map[string]any{"kind": "price_cross"}))
}

func TestStatsCountersAndHitRate(t *testing.T) {
	s := newDegradedService()
	ctx := context.Background()

	s.Set(ctx, "k1", "v", time.Minute)
	s.Get(ctx, "k1")      // hit
	s.Get(ctx, "absent")  // miss
	s.Get(ctx, "missing") // miss

	stats := s.GetStats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, "in-memory", stats.Backend)
	assert.Equal(t, int64(1), stats.Keys)
	assert.InDelta(t, 33.33, stats.HitRatePct, 0.1)
}

func TestNewWithUnreachableBackendDegrades(t *testing.T) {
	// Port 1 is never a Redis server; the probe fails fast with a refusal
	s := New("redis://127.0.0.1:1/0", zerolog.Nop())
	assert.False(t, s.Primary())
	assert.Equal(t, "in-memory", s.Backend())

	ctx := context.Background()
	require.True(t, s.Set(ctx, "k", "v", time.Minute))
	value, found := s.Get(ctx, "k")
	require.True(t, found)
	assert.Equal(t, "v", value)
}

func TestTopEntriesSelection(t *testing.T) {
	scores := map[string]float64{"A": 5, "B": 1, "C": 3}

	entries := topEntries(scores)
	require.Len(t, entries, 3)
	assert.Equal(t, "A", entries[0].Symbol)
	assert.Equal(t, "C", entries[1].Symbol)
	assert.Equal(t, "B", entries[2].Symbol)
}

func TestParseInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n"
	assert.Equal(t, "1.00K", parseInfoField(info, "used_memory_human"))
	assert.Equal(t, "", parseInfoField(info, "not_there"))
}
