package extraction

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Coordinator drives one batch pull through the Adapter under a minimum
// spacing policy. The whole batch counts as one rate-limited unit, even when
// the adapter fans out internally. The coordinator does not retry; retries
// belong to the adapter.
type Coordinator struct {
	adapter    Adapter
	minSpacing time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewCoordinator creates a coordinator enforcing minSpacing between
// consecutive upstream batch calls.
func NewCoordinator(adapter Adapter, minSpacing time.Duration, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		adapter:    adapter,
		minSpacing: minSpacing,
		log:        log.With().Str("component", "extraction_coordinator").Logger(),
	}
}

// ExtractBatch pulls one batch of symbols, waiting out the spacing window
// first. Every requested symbol is present in the returned map: symbols the
// adapter did not report are classified as failed.
func (c *Coordinator) ExtractBatch(ctx context.Context, symbols []string) (map[string]Result, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := c.adapter.ExtractBatch(ctx, symbols)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	classified := make(map[string]Result, len(symbols))
	for _, symbol := range symbols {
		result, ok := results[symbol]
		if !ok {
			classified[symbol] = Result{
				Status:    StatusFailed,
				Error:     "no result returned by upstream source",
				LatencyMS: latency,
			}
			continue
		}
		if result.LatencyMS == 0 {
			result.LatencyMS = latency
		}
		classified[symbol] = result
	}

	c.log.Debug().
		Int("symbols", len(symbols)).
		Int64("latency_ms", latency).
		Msg("Batch extraction completed")

	return classified, nil
}

// Metrics returns the adapter's own statistics.
func (c *Coordinator) Metrics() map[string]any {
	return c.adapter.Metrics()
}

// LastCall returns the watermark of the most recent upstream call.
func (c *Coordinator) LastCall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCall
}

// throttle sleeps until the spacing window since the last upstream call has
// elapsed, then advances the watermark. The watermark moves before the call
// so concurrent callers cannot share one window.
func (c *Coordinator) throttle(ctx context.Context) error {
	for {
		c.mu.Lock()
		wait := time.Duration(0)
		if !c.lastCall.IsZero() {
			wait = c.minSpacing - time.Since(c.lastCall)
		}
		if wait <= 0 {
			c.lastCall = time.Now()
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
