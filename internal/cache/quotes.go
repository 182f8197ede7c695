package cache

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis structures used by the pipeline fan-out
const (
	keyTopGainers = "top_gainers"
	keyTopLosers  = "top_losers"
	keyAlertQueue = "alert_queue"
	priceChannel  = "channel:prices"

	topMoverLimit = 50
)

// Mover is one ranked-set entry
type Mover struct {
	Symbol    string  `json:"symbol"`
	ChangePct float64 `json:"change_pct"`
}

// SetPrice caches a symbol's live quote as a full document.
func (s *Service) SetPrice(ctx context.Context, symbol string, data map[string]any) bool {
	return s.Set(ctx, priceKey(symbol), data, PriceTTL)
}

// GetPrice returns a symbol's cached live quote.
func (s *Service) GetPrice(ctx context.Context, symbol string) (any, bool) {
	return s.Get(ctx, priceKey(symbol))
}

// SetQuoteHash stores a quote's fields individually as a Redis hash, which
// lets readers fetch single fields without deserializing the whole quote.
// Degraded mode has no hash structure; the call is a no-op there.
func (s *Service) SetQuoteHash(ctx context.Context, symbol string, fields map[string]any) bool {
	if !s.primary {
		return false
	}

	encoded := make(map[string]any, len(fields))
	for name, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			continue
		}
		encoded[name] = string(data)
	}
	if len(encoded) == 0 {
		return false
	}

	key := quoteKey(symbol)
	if err := s.rdb.HSet(ctx, key, encoded).Err(); err != nil {
		s.errors.Add(1)
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote hash set error")
		return false
	}
	_ = s.rdb.Expire(ctx, key, PriceTTL).Err()
	s.sets.Add(1)
	return true
}

// GetQuoteField reads a single field from a symbol's quote hash.
// Returns ok=false in degraded mode (documented capability gap).
func (s *Service) GetQuoteField(ctx context.Context, symbol, field string) (any, bool) {
	if !s.primary {
		return nil, false
	}

	data, err := s.rdb.HGet(ctx, quoteKey(symbol), field).Result()
	if err != nil {
		s.misses.Add(1)
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		s.errors.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return value, true
}

// GetQuoteFields reads several fields from a symbol's quote hash. Missing
// fields are absent from the result. Empty in degraded mode.
func (s *Service) GetQuoteFields(ctx context.Context, symbol string, fields []string) map[string]any {
	result := make(map[string]any)
	if !s.primary || len(fields) == 0 {
		return result
	}

	values, err := s.rdb.HMGet(ctx, quoteKey(symbol), fields...).Result()
	if err != nil {
		s.errors.Add(1)
		return result
	}

	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(str), &value); err != nil {
			continue
		}
		result[fields[i]] = value
	}

	if len(result) > 0 {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return result
}

// UpdateTopMovers replaces the gainers and losers ranked sets with the top
// entries of each map and refreshes their TTL. Losers are stored as absolute
// magnitude so ascending rank means "worst first"; the sign is restored on
// read. Ranked sets live only on the primary backend.
func (s *Service) UpdateTopMovers(ctx context.Context, gainers, losers map[string]float64) bool {
	if !s.primary {
		return false
	}

	if len(gainers) > 0 {
		if err := s.replaceRankedSet(ctx, keyTopGainers, topEntries(gainers)); err != nil {
			s.log.Debug().Err(err).Msg("Top gainers update error")
			return false
		}
	}
	if len(losers) > 0 {
		absolute := make(map[string]float64, len(losers))
		for symbol, pct := range losers {
			if pct < 0 {
				pct = -pct
			}
			absolute[symbol] = pct
		}
		if err := s.replaceRankedSet(ctx, keyTopLosers, topEntries(absolute)); err != nil {
			s.log.Debug().Err(err).Msg("Top losers update error")
			return false
		}
	}
	return true
}

// TopGainers returns up to count gainers, highest change first.
func (s *Service) TopGainers(ctx context.Context, count int) []Mover {
	return s.rankedRange(ctx, keyTopGainers, count, false)
}

// TopLosers returns up to count losers, biggest loss first. Scores were
// stored as magnitudes, so they are re-negated here.
func (s *Service) TopLosers(ctx context.Context, count int) []Mover {
	return s.rankedRange(ctx, keyTopLosers, count, true)
}

// PublishPrice publishes a price update on the pub/sub channel. Delivery is
// best-effort at-most-once: no persistence, no backpressure, absent
// subscribers simply miss the message.
func (s *Service) PublishPrice(ctx context.Context, symbol string, data map[string]any) bool {
	if !s.primary {
		return false
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["symbol"] = symbol

	encoded, err := json.Marshal(payload)
	if err != nil {
		s.errors.Add(1)
		return false
	}
	if err := s.rdb.Publish(ctx, priceChannel, encoded).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Price publish error")
		return false
	}
	return true
}

// PushAlert appends an alert notification to the durable alert queue. The
// queue is push-only from this subsystem; a separate consumer drains it.
func (s *Service) PushAlert(ctx context.Context, alert map[string]any) bool {
	if !s.primary {
		return false
	}

	encoded, err := json.Marshal(alert)
	if err != nil {
		s.errors.Add(1)
		return false
	}
	if err := s.rdb.RPush(ctx, keyAlertQueue, encoded).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Alert queue push error")
		return false
	}
	return true
}

// replaceRankedSet rewrites a ranked set from scratch and refreshes its TTL.
func (s *Service) replaceRankedSet(ctx context.Context, key string, entries []Mover) error {
	members := make([]redis.Z, 0, len(entries))
	for _, entry := range entries {
		members = append(members, redis.Z{Score: entry.ChangePct, Member: entry.Symbol})
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
	}
	pipe.Expire(ctx, key, PriceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// rankedRange reads the top entries of a ranked set in descending score
// order, optionally negating scores back to their original sign.
func (s *Service) rankedRange(ctx context.Context, key string, count int, negate bool) []Mover {
	if !s.primary || count <= 0 {
		return nil
	}

	members, err := s.rdb.ZRevRangeWithScores(ctx, key, 0, int64(count-1)).Result()
	if err != nil {
		s.errors.Add(1)
		return nil
	}

	movers := make([]Mover, 0, len(members))
	for _, member := range members {
		symbol, ok := member.Member.(string)
		if !ok {
			continue
		}
		score := member.Score
		if negate {
			score = -score
		}
		movers = append(movers, Mover{Symbol: symbol, ChangePct: score})
	}
	return movers
}

// topEntries selects the highest-scored entries up to the mover limit.
func topEntries(scores map[string]float64) []Mover {
	entries := make([]Mover, 0, len(scores))
	for symbol, score := range scores {
		entries = append(entries, Mover{Symbol: symbol, ChangePct: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ChangePct > entries[j].ChangePct
	})
	if len(entries) > topMoverLimit {
		entries = entries[:topMoverLimit]
	}
	return entries
}
