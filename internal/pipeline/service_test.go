package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/pipeline/internal/cache"
	"github.com/stockpulse/pipeline/internal/extraction"
	"github.com/stockpulse/pipeline/internal/ledger"
	"github.com/stockpulse/pipeline/internal/timeseries"
)

type fakeExtractor struct {
	mu      sync.Mutex
	results map[string]extraction.Result
	err     error
	block   chan struct{}
	calls   int
}

func (f *fakeExtractor) ExtractBatch(ctx context.Context, symbols []string) (map[string]extraction.Result, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeExtractor) Metrics() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{"calls": f.calls}
}

type fakeCache struct {
	mu      sync.Mutex
	prices  map[string]map[string]any
	gainers map[string]float64
	losers  map[string]float64
}

func newFakeCache() *fakeCache {
	return &fakeCache{prices: make(map[string]map[string]any)}
}

func (f *fakeCache) SetPrice(ctx context.Context, symbol string, data map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = data
	return true
}

func (f *fakeCache) SetQuoteHash(ctx context.Context, symbol string, fields map[string]any) bool {
	return true
}

func (f *fakeCache) PublishPrice(ctx context.Context, symbol string, data map[string]any) bool {
	return true
}

func (f *fakeCache) UpdateTopMovers(ctx context.Context, gainers, losers map[string]float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gainers = gainers
	f.losers = losers
	return true
}

func (f *fakeCache) Backend() string { return "fake" }

func (f *fakeCache) GetStats(ctx context.Context) cache.Stats { return cache.Stats{Backend: "fake"} }

type fakeStore struct {
	mu           sync.Mutex
	prices       []timeseries.PriceRecord
	technicals   []timeseries.TechnicalRecord
	fundamentals []timeseries.FundamentalRecord
	shareholding []timeseries.ShareholdingRecord
	err          error
}

func (f *fakeStore) UpsertPrices(ctx context.Context, records []timeseries.PriceRecord) (timeseries.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return timeseries.UpsertResult{}, f.err
	}
	f.prices = append(f.prices, records...)
	return timeseries.UpsertResult{Applied: len(records)}, nil
}

func (f *fakeStore) UpsertTechnicals(ctx context.Context, records []timeseries.TechnicalRecord) (timeseries.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.technicals = append(f.technicals, records...)
	return timeseries.UpsertResult{Applied: len(records)}, nil
}

func (f *fakeStore) UpsertFundamentals(ctx context.Context, records []timeseries.FundamentalRecord) (timeseries.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundamentals = append(f.fundamentals, records...)
	return timeseries.UpsertResult{Applied: len(records)}, nil
}

func (f *fakeStore) UpsertShareholding(ctx context.Context, records []timeseries.ShareholdingRecord) (timeseries.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareholding = append(f.shareholding, records...)
	return timeseries.UpsertResult{Applied: len(records)}, nil
}

type fakeLedger struct {
	mu     sync.Mutex
	jobs   map[string]ledger.JobRecord
	events []string
	seed   []ledger.JobRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{jobs: make(map[string]ledger.JobRecord)}
}

func (f *fakeLedger) SaveJob(ctx context.Context, job ledger.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeLedger) RecentJobs(ctx context.Context, limit int) ([]ledger.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seed, nil
}

func (f *fakeLedger) AppendEvent(ctx context.Context, eventType string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeLedger) Events(ctx context.Context, limit int, eventType string) ([]ledger.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []ledger.Event
	for i := len(f.events) - 1; i >= 0 && len(events) < limit; i-- {
		if eventType != "" && f.events[i] != eventType {
			continue
		}
		events = append(events, ledger.Event{Type: f.events[i]})
	}
	return events, nil
}

func newTestService(extractor Extractor) (*Service, *fakeCache, *fakeStore, *fakeLedger) {
	c := newFakeCache()
	store := &fakeStore{}
	l := newFakeLedger()
	s := NewService(extractor, c, store, l, 15*time.Minute, zerolog.Nop())
	return s, c, store, l
}

func successResult(data map[string]any) extraction.Result {
	return extraction.Result{Status: extraction.StatusSuccess, Data: data}
}

func TestRunExtractionPartialSuccess(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{
		"A": successResult(map[string]any{"close": 100.0, "price_change_percent": 1.5}),
		"B": successResult(map[string]any{"close": 200.0, "price_change_percent": -2.0}),
		"C": {Status: extraction.StatusFailed, Error: "upstream timeout"},
	}}
	s, c, store, l := newTestService(extractor)

	job, err := s.RunExtraction(context.Background(), "", []string{"A", "B", "C"})
	require.NoError(t, err)

	assert.Equal(t, JobPartialSuccess, job.Status)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 2, job.Successful)
	assert.Equal(t, 1, job.Failed)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "C", job.Errors[0].Symbol)

	// Cache fan-out covers both successful symbols
	assert.Len(t, c.prices, 2)
	assert.Equal(t, map[string]float64{"A": 1.5}, c.gainers)
	assert.Equal(t, map[string]float64{"B": -2.0}, c.losers)

	// Persistence fan-out produced one price row per success
	assert.Len(t, store.prices, 2)

	// The job reached the durable ledger
	_, saved := l.jobs[job.ID]
	assert.True(t, saved)
	assert.Contains(t, l.events, "job_completed")

	// Visible through the query surface afterwards
	loaded, ok := s.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobPartialSuccess, loaded.Status)
	assert.Len(t, s.ListJobs(10), 1)

	events, err := s.Events(context.Background(), 10, "job_completed")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunExtractionAllSucceed(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{
		"A": successResult(map[string]any{"close": 1.0}),
		"B": successResult(map[string]any{"close": 2.0}),
	}}
	s, _, _, _ := newTestService(extractor)

	job, err := s.RunExtraction(context.Background(), "", []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, job.Status)
}

func TestRunExtractionAllFail(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{}}
	s, _, _, _ := newTestService(extractor)

	job, err := s.RunExtraction(context.Background(), "", []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 2, job.Failed)
}

func TestRunExtractionErrorsAreBounded(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{}}
	s, _, _, _ := newTestService(extractor)

	symbols := make([]string, 25)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
	}

	job, err := s.RunExtraction(context.Background(), "", symbols)
	require.NoError(t, err)
	assert.Equal(t, 25, job.Failed)
	require.Len(t, job.Errors, jobErrorLimit)
	// The bounded list keeps the most recent failures, not the first ones
	assert.Equal(t, "SYM15", job.Errors[0].Symbol)
	assert.Equal(t, "SYM24", job.Errors[jobErrorLimit-1].Symbol)

	// The full missing list still reaches the completeness metrics
	assert.Len(t, s.Metrics().MissingSymbols, 25)
}

func TestRunExtractionCancelled(t *testing.T) {
	extractor := &fakeExtractor{block: make(chan struct{})}
	s, _, _, _ := newTestService(extractor)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	job, err := s.RunExtraction(ctx, "", []string{"A"})
	require.Error(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobCancelled, job.Status)
	assert.Equal(t, 1, s.Metrics().CancelledJobs)
}

func TestRunExtractionInFlightGuard(t *testing.T) {
	block := make(chan struct{})
	extractor := &fakeExtractor{block: block, results: map[string]extraction.Result{}}
	s, _, _, _ := newTestService(extractor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunExtraction(context.Background(), "", []string{"A"})
	}()

	// Wait for the first run to be inside the extractor
	require.Eventually(t, func() bool {
		extractor.mu.Lock()
		defer extractor.mu.Unlock()
		return extractor.calls == 1
	}, time.Second, 5*time.Millisecond)

	_, err := s.RunExtraction(context.Background(), "", []string{"B"})
	assert.ErrorIs(t, err, ErrJobInFlight)

	close(block)
	<-done

	// Guard releases once the first run completes
	_, err = s.RunExtraction(context.Background(), "", []string{"C"})
	assert.NoError(t, err)
}

func TestRunExtractionUpstreamFailure(t *testing.T) {
	extractor := &fakeExtractor{err: errors.New("connection reset")}
	s, _, _, _ := newTestService(extractor)

	job, err := s.RunExtraction(context.Background(), "", []string{"A"})
	require.Error(t, err)
	assert.Equal(t, JobFailed, job.Status)

	report := s.Status(context.Background())
	assert.Contains(t, report.LastError, "connection reset")
	assert.Equal(t, StateError, report.State)

	// A symbol that produced nothing counts as missing
	assert.Equal(t, []string{"A"}, s.Metrics().MissingSymbols)

	// The error state clears once a healthy run goes through
	extractor.err = nil
	extractor.results = map[string]extraction.Result{"A": successResult(map[string]any{"close": 1.0})}
	_, err = s.RunExtraction(context.Background(), "", []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.Status(context.Background()).State)
}

func TestMetricsTrackDataCompleteness(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{
		"A": successResult(map[string]any{"close": 100.0}),
		"B": successResult(map[string]any{"close": 200.0}),
		"C": {Status: extraction.StatusFailed, Error: "upstream timeout"},
	}}
	s, _, _, _ := newTestService(extractor)
	universe := len(s.Symbols())

	assert.Equal(t, universe, s.Metrics().ExpectedSymbols)

	_, err := s.RunExtraction(context.Background(), "", []string{"A", "B", "C"})
	require.NoError(t, err)

	m := s.Metrics()
	assert.Equal(t, universe, m.ExpectedSymbols)
	assert.Equal(t, 2, m.ReceivedSymbols)
	assert.Equal(t, []string{"C"}, m.MissingSymbols)
	assert.InDelta(t, float64(2)/float64(universe)*100, m.CompletenessPct, 0.01)

	// Universe changes move the expected count
	s.AddSymbols([]string{"NEWCO"})
	assert.Equal(t, universe+1, s.Metrics().ExpectedSymbols)
	s.RemoveSymbols([]string{"NEWCO"})
	assert.Equal(t, universe, s.Metrics().ExpectedSymbols)
}

func TestJobSnapshotsDuringRun(t *testing.T) {
	symbols := make([]string, 200)
	results := make(map[string]extraction.Result, len(symbols))
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%03d", i)
		results[symbols[i]] = successResult(map[string]any{
			"close":                float64(i),
			"price_change_percent": 1.0,
		})
	}
	extractor := &fakeExtractor{results: results}
	s, _, _, _ := newTestService(extractor)

	// Hammer the query surface while the run mutates its own job
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, job := range s.ListJobs(5) {
					if _, ok := s.GetJob(job.ID); !ok {
						continue
					}
				}
			}
		}()
	}

	job, err := s.RunExtraction(context.Background(), "", symbols)
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, JobSuccess, job.Status)
}

func TestRunningJobVisibleAsSnapshot(t *testing.T) {
	block := make(chan struct{})
	extractor := &fakeExtractor{block: block, results: map[string]extraction.Result{}}
	s, _, _, _ := newTestService(extractor)

	done := make(chan *Job, 1)
	go func() {
		job, _ := s.RunExtraction(context.Background(), "", []string{"A"})
		done <- job
	}()

	// While the run sits inside the adapter, readers see a running snapshot
	var snapshot Job
	require.Eventually(t, func() bool {
		jobs := s.ListJobs(1)
		if len(jobs) == 0 {
			return false
		}
		snapshot = jobs[0]
		return snapshot.Status == JobRunning
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, snapshot.StartedAt)
	assert.Equal(t, 0, snapshot.Processed)

	close(block)
	job := <-done
	require.NotNil(t, job)

	// After completion the snapshot map is drained into history
	loaded, ok := s.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, loaded.Status)
}

func TestMetricsIncrementalAverage(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{
		"A": successResult(map[string]any{"close": 1.0}),
	}}
	s, _, _, _ := newTestService(extractor)

	for i := 0; i < 3; i++ {
		_, err := s.RunExtraction(context.Background(), "", []string{"A"})
		require.NoError(t, err)
	}

	m := s.Metrics()
	assert.Equal(t, 3, m.TotalJobs)
	assert.Equal(t, 3, m.SuccessfulJobs)
	assert.GreaterOrEqual(t, m.AvgDurationSeconds, 0.0)
	require.NotNil(t, m.LastJobAt)
}

func TestHistoryIsBounded(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{
		"A": successResult(map[string]any{"close": 1.0}),
	}}
	s, _, _, _ := newTestService(extractor)
	s.maxJobs = 5

	for i := 0; i < 8; i++ {
		_, err := s.RunExtraction(context.Background(), "", []string{"A"})
		require.NoError(t, err)
	}

	history := s.History(0)
	assert.Len(t, history, 5)
	// Newest first
	assert.True(t, !history[0].CreatedAt.Before(history[4].CreatedAt))
}

func TestHistoryRestoredFromLedger(t *testing.T) {
	l := newFakeLedger()
	l.seed = []ledger.JobRecord{
		{ID: "job-new", Status: "success", CreatedAt: time.Now()},
		{ID: "job-old", Status: "failed", CreatedAt: time.Now().Add(-time.Hour)},
	}
	s := NewService(&fakeExtractor{}, newFakeCache(), &fakeStore{}, l, time.Minute, zerolog.Nop())

	history := s.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, "job-new", history[0].ID)

	job, ok := s.GetJob("job-old")
	require.True(t, ok)
	assert.Equal(t, JobFailed, job.Status)
}

func TestSchedulerStartStopAndIdempotence(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{}}
	s, _, _, _ := newTestService(extractor)

	s.StartScheduler()
	require.True(t, s.SchedulerRunning())
	s.StartScheduler() // second start warns and changes nothing
	require.True(t, s.SchedulerRunning())

	report := s.Status(context.Background())
	assert.Equal(t, StateScheduled, report.State)
	assert.NotNil(t, report.NextRunAt)

	s.StopScheduler()
	assert.False(t, s.SchedulerRunning())
	assert.Equal(t, StateIdle, s.Status(context.Background()).State)

	s.StopScheduler() // stop when stopped is a no-op
}

func TestSchedulerRunsJobs(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{}}
	s, _, _, _ := newTestService(extractor)
	s.interval = 20 * time.Millisecond

	s.StartScheduler()
	defer s.StopScheduler()

	require.Eventually(t, func() bool {
		return s.Metrics().TotalJobs >= 2
	}, 2*time.Second, 10*time.Millisecond)

	jobs := s.History(1)
	require.Len(t, jobs, 1)
	assert.Equal(t, "scheduled_extraction", jobs[0].Kind)
}

func TestUpdateSchedulerConfig(t *testing.T) {
	s, _, _, _ := newTestService(&fakeExtractor{})

	require.Error(t, s.UpdateSchedulerConfig(10*time.Second))
	require.NoError(t, s.UpdateSchedulerConfig(5*time.Minute))
	assert.Equal(t, 5.0, s.Status(context.Background()).IntervalMinutes)
}

func TestSymbolUniverseManagement(t *testing.T) {
	s, _, _, _ := newTestService(&fakeExtractor{})
	base := len(s.Symbols())

	added := s.AddSymbols([]string{"NEWCO", "RELIANCE", "NEWCO", ""})
	assert.Equal(t, 1, added)
	assert.Len(t, s.Symbols(), base+1)

	removed := s.RemoveSymbols([]string{"NEWCO", "NOPE"})
	assert.Equal(t, 1, removed)
	assert.Len(t, s.Symbols(), base)

	categories := s.SymbolCategories()
	assert.Len(t, categories["large_cap"], largeCap)
	assert.Len(t, categories["mid_cap"], midCap-largeCap)
	assert.Equal(t, base, len(categories["large_cap"])+len(categories["mid_cap"])+len(categories["small_cap"]))
}

func TestLogsAreBoundedAndNewestFirst(t *testing.T) {
	s, _, _, _ := newTestService(&fakeExtractor{})

	for i := 0; i < logLimit+50; i++ {
		s.appendLog("info", "tick", nil)
	}
	s.appendLog("warn", "last", nil)

	logs := s.Logs(0)
	assert.Len(t, logs, logLimit)
	assert.Equal(t, "last", logs[0].Message)

	assert.Len(t, s.Logs(5), 5)
}

func TestDataSummaryMergesRecentJobs(t *testing.T) {
	extractor := &fakeExtractor{results: map[string]extraction.Result{
		"A": successResult(map[string]any{"close": 1.0}),
		"B": successResult(map[string]any{"close": 2.0}),
	}}
	s, _, _, _ := newTestService(extractor)

	_, err := s.RunExtraction(context.Background(), "", []string{"A", "B"})
	require.NoError(t, err)

	summary := s.DataSummary()
	assert.Equal(t, 2, summary["symbols_fresh"])
	freshness := summary["freshness"].(map[string]any)
	assert.Contains(t, freshness, "A")
	assert.Contains(t, freshness, "B")
}

func TestRecordBatchSplitsByTable(t *testing.T) {
	batch := &recordBatch{}
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	batch.appendRecords("A", map[string]any{
		"date":         "2026-08-27",
		"close":        101.5,
		"volume":       float64(1_200_000),
		"rsi_14":       55.2,
		"pe_ratio":     24.0,
		"promoter_pct": 51.3,
	}, now)

	require.Len(t, batch.prices, 1)
	require.Len(t, batch.technicals, 1)
	require.Len(t, batch.fundamentals, 1)
	require.Len(t, batch.shareholding, 1)
	assert.Equal(t, 4, batch.total())

	price := batch.prices[0]
	assert.Equal(t, "2026-08-27", price.Date.Format("2006-01-02"))
	require.NotNil(t, price.Close)
	assert.Equal(t, 101.5, *price.Close)
	require.NotNil(t, price.Volume)
	assert.Equal(t, int64(1_200_000), *price.Volume)
}

func TestRecordBatchFallsBackToRunDate(t *testing.T) {
	batch := &recordBatch{}
	now := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	batch.appendRecords("A", map[string]any{"ltp": 99.0, "date": "not-a-date"}, now)

	require.Len(t, batch.prices, 1)
	assert.Equal(t, now, batch.prices[0].Date)
	require.NotNil(t, batch.prices[0].Close)
	assert.Equal(t, 99.0, *batch.prices[0].Close)
}
