// Package extraction defines the upstream source adapter contract and the
// coordinator that drives rate-limited batch pulls through it.
package extraction

import "context"

// Status is the per-symbol outcome of one extraction attempt
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result carries the outcome of extracting one symbol from the upstream source
type Result struct {
	Status     Status         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	LatencyMS  int64          `json:"latency_ms"`
	RetryCount int            `json:"retry_count"`
}

// Adapter is the upstream market-data source boundary. Implementations own
// authentication, request batching and retries; the coordinator only paces
// calls and classifies outcomes.
type Adapter interface {
	Initialize(ctx context.Context) error
	Close() error
	ExtractBatch(ctx context.Context, symbols []string) (map[string]Result, error)
	Metrics() map[string]any
}

// Unavailable is an Adapter with no upstream source configured. Every symbol
// fails with a descriptive error so jobs still finalize with well-formed
// results. Used when the embedding application has not wired a real source.
type Unavailable struct{}

func (Unavailable) Initialize(ctx context.Context) error { return nil }
func (Unavailable) Close() error                         { return nil }

func (Unavailable) ExtractBatch(ctx context.Context, symbols []string) (map[string]Result, error) {
	results := make(map[string]Result, len(symbols))
	for _, symbol := range symbols {
		results[symbol] = Result{
			Status: StatusFailed,
			Error:  "no upstream source configured",
		}
	}
	return results, nil
}

func (Unavailable) Metrics() map[string]any {
	return map[string]any{"adapter": "unavailable"}
}
