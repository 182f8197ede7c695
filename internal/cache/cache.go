// Package cache provides the dual-backend cache layer: a primary Redis
// backend probed once at startup, with a permanent in-process fallback for
// the rest of the process lifetime when Redis is unreachable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TTL constants
const (
	PriceTTL    = 60 * time.Second  // Live price quotes
	AnalysisTTL = 300 * time.Second // Analysis results
	PipelineTTL = 30 * time.Second  // Pipeline status snapshots
	DefaultTTL  = 120 * time.Second
)

// Cache key prefixes
const (
	PrefixPrice    = "price:"
	PrefixQuote    = "quote:"
	PrefixAnalysis = "analysis:"
	PrefixPipeline = "pipeline:"
)

const probeTimeout = 2 * time.Second

// Service is the cache layer. The backend is chosen exactly once at
// construction; there is no per-call fallback probing.
type Service struct {
	rdb     *redis.Client
	primary bool
	mem     *memoryStore
	log     zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errors atomic.Int64
}

// New creates a cache service. The Redis backend at redisURL is probed once;
// if the probe fails the service operates in degraded in-process mode for
// the rest of the process lifetime.
func New(redisURL string, log zerolog.Logger) *Service {
	s := &Service{
		mem: newMemoryStore(),
		log: log.With().Str("component", "cache").Logger(),
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		s.log.Warn().Err(err).Msg("Invalid Redis URL, using in-process cache fallback")
		return s
	}
	opts.DialTimeout = probeTimeout
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Redis not available, using in-process cache fallback")
		_ = client.Close()
		return s
	}

	s.rdb = client
	s.primary = true
	s.log.Info().Msg("Redis cache connected")
	return s
}

// Primary reports whether the Redis backend is in use.
func (s *Service) Primary() bool {
	return s.primary
}

// Backend returns the backend identity for status reporting.
func (s *Service) Backend() string {
	if s.primary {
		return "redis"
	}
	return "in-memory"
}

// Get returns a cached value, or ok=false on miss. Values written through
// the Redis backend round-trip through JSON.
func (s *Service) Get(ctx context.Context, key string) (any, bool) {
	if s.primary {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			s.misses.Add(1)
			return nil, false
		}
		if err != nil {
			s.errors.Add(1)
			s.log.Debug().Err(err).Str("key", key).Msg("Cache get error")
			return nil, false
		}
		var value any
		if err := json.Unmarshal(data, &value); err != nil {
			s.errors.Add(1)
			return nil, false
		}
		s.hits.Add(1)
		return value, true
	}

	value, ok := s.mem.get(key, time.Now())
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return value, true
}

// Set stores a value with the given TTL. Returns false on failure.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if s.primary {
		data, err := json.Marshal(value)
		if err != nil {
			s.errors.Add(1)
			return false
		}
		if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			s.errors.Add(1)
			s.log.Debug().Err(err).Str("key", key).Msg("Cache set error")
			return false
		}
		s.sets.Add(1)
		return true
	}

	s.mem.set(key, value, ttl, time.Now())
	s.sets.Add(1)
	return true
}

// Delete removes a key.
func (s *Service) Delete(ctx context.Context, key string) bool {
	if s.primary {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			s.errors.Add(1)
			return false
		}
		return true
	}
	s.mem.delete(key)
	return true
}

// DeleteByPrefix removes all keys starting with prefix and returns the
// number of keys removed.
func (s *Service) DeleteByPrefix(ctx context.Context, prefix string) int {
	if s.primary {
		count := 0
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				s.errors.Add(1)
				continue
			}
			count++
		}
		if err := iter.Err(); err != nil {
			s.errors.Add(1)
			s.log.Debug().Err(err).Str("prefix", prefix).Msg("Cache scan error")
		}
		return count
	}
	return s.mem.deleteByPrefix(prefix)
}

// Stats describes cache activity since process start
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	Errors      int64   `json:"errors"`
	HitRatePct  float64 `json:"hit_rate_percent"`
	Backend     string  `json:"backend"`
	Keys        int64   `json:"keys"`
	MemoryUsed  string  `json:"memory_used,omitempty"`
}

// GetStats returns running counters plus backend-reported memory usage and
// key count when the primary backend is in use.
func (s *Service) GetStats(ctx context.Context) Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	stats := Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    s.sets.Load(),
		Errors:  s.errors.Load(),
		Backend: s.Backend(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRatePct = float64(hits) / float64(total) * 100
	}

	if s.primary {
		if keys, err := s.rdb.DBSize(ctx).Result(); err == nil {
			stats.Keys = keys
		}
		if info, err := s.rdb.Info(ctx, "memory").Result(); err == nil {
			stats.MemoryUsed = parseInfoField(info, "used_memory_human")
		}
	} else {
		stats.Keys = int64(s.mem.len())
	}

	return stats
}

// Close closes the Redis connection when one is open.
func (s *Service) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

// parseInfoField extracts one field from a Redis INFO response.
func parseInfoField(info, field string) string {
	for _, line := range strings.Split(info, "\r\n") {
		if value, ok := strings.CutPrefix(line, field+":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// priceKey builds the canonical cache key for a symbol's live quote.
func priceKey(symbol string) string {
	return fmt.Sprintf("%s%s", PrefixPrice, symbol)
}

// quoteKey builds the hash key for a symbol's per-field quote data.
func quoteKey(symbol string) string {
	return fmt.Sprintf("%s%s", PrefixQuote, symbol)
}
