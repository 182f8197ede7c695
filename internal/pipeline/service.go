package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/stockpulse/pipeline/internal/cache"
	"github.com/stockpulse/pipeline/internal/extraction"
	"github.com/stockpulse/pipeline/internal/ledger"
	"github.com/stockpulse/pipeline/internal/timeseries"
)

// ErrJobInFlight is returned when a run is requested while another run is
// still executing. Runs never queue; the caller retries after completion.
var ErrJobInFlight = errors.New("an extraction job is already running")

const (
	historyLimit   = 100
	logLimit       = 1000
	jobErrorLimit  = 10
	schedulerRetry = time.Minute
)

// Extractor is the upstream data source.
type Extractor interface {
	ExtractBatch(ctx context.Context, symbols []string) (map[string]extraction.Result, error)
	Metrics() map[string]any
}

// Cache is the hot-tier fan-out target.
type Cache interface {
	SetPrice(ctx context.Context, symbol string, data map[string]any) bool
	SetQuoteHash(ctx context.Context, symbol string, fields map[string]any) bool
	PublishPrice(ctx context.Context, symbol string, data map[string]any) bool
	UpdateTopMovers(ctx context.Context, gainers, losers map[string]float64) bool
	Backend() string
	GetStats(ctx context.Context) cache.Stats
}

// TimeSeries is the historical persistence tier.
type TimeSeries interface {
	UpsertPrices(ctx context.Context, records []timeseries.PriceRecord) (timeseries.UpsertResult, error)
	UpsertTechnicals(ctx context.Context, records []timeseries.TechnicalRecord) (timeseries.UpsertResult, error)
	UpsertFundamentals(ctx context.Context, records []timeseries.FundamentalRecord) (timeseries.UpsertResult, error)
	UpsertShareholding(ctx context.Context, records []timeseries.ShareholdingRecord) (timeseries.UpsertResult, error)
}

// Ledger is the durable job and event store.
type Ledger interface {
	SaveJob(ctx context.Context, job ledger.JobRecord) error
	RecentJobs(ctx context.Context, limit int) ([]ledger.JobRecord, error)
	AppendEvent(ctx context.Context, eventType string, data map[string]any) error
	Events(ctx context.Context, limit int, eventType string) ([]ledger.Event, error)
}

// LogEntry is one in-memory operational log line.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Service runs extraction jobs and fans results out to the cache and
// persistence tiers.
type Service struct {
	extractor Extractor
	cache     Cache
	store     TimeSeries
	ledger    Ledger
	log       zerolog.Logger

	mu       sync.RWMutex
	symbols  []string
	jobs     map[string]Job
	history  []Job
	logs     []LogEntry
	metrics  Metrics
	state    State
	lastErr  string
	running  bool
	nextRun  time.Time
	maxJobs  int

	schedMu  sync.Mutex
	schedOn  bool
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	startedAt time.Time
}

// NewService builds the pipeline service and restores job history from the
// ledger.
func NewService(extractor Extractor, c Cache, store TimeSeries, l Ledger, interval time.Duration, log zerolog.Logger) *Service {
	s := &Service{
		extractor: extractor,
		cache:     c,
		store:     store,
		ledger:    l,
		log:       log.With().Str("component", "pipeline").Logger(),
		symbols:   append([]string(nil), defaultSymbols...),
		jobs:      make(map[string]Job),
		state:     StateIdle,
		interval:  interval,
		maxJobs:   historyLimit,
		startedAt: time.Now(),
	}
	s.metrics.ExpectedSymbols = len(s.symbols)
	s.restoreHistory()
	return s
}

func (s *Service) restoreHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := s.ledger.RecentJobs(ctx, historyLimit)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not restore job history")
		return
	}
	// RecentJobs is newest first, history is kept oldest first
	for i := len(records) - 1; i >= 0; i-- {
		s.history = append(s.history, jobFromRecord(records[i]))
	}
	if len(s.history) > 0 {
		s.log.Info().Int("jobs", len(s.history)).Msg("Job history restored")
	}
}

// RunExtraction executes one extraction run over the given symbols, or the
// full tracked universe when symbols is empty. Only one run may be active
// at a time.
func (s *Service) RunExtraction(ctx context.Context, kind string, symbols []string) (*Job, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrJobInFlight
	}
	s.running = true
	s.state = StateRunning
	if len(symbols) == 0 {
		symbols = append([]string(nil), s.symbols...)
	}
	if kind == "" {
		kind = "full_extraction"
	}

	// The live job is mutated only by this goroutine; readers see the
	// snapshot published into s.jobs at lifecycle transitions.
	job := &Job{
		ID:        newJobID(),
		Kind:      kind,
		Status:    JobPending,
		Symbols:   symbols,
		CreatedAt: time.Now().UTC(),
		Total:     len(symbols),
	}
	s.jobs[job.ID] = *job
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		if s.state == StateRunning {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}()

	s.appendLog("info", "Extraction started", map[string]any{"job_id": job.ID, "symbols": job.Total})

	started := time.Now().UTC()
	job.StartedAt = &started
	job.Status = JobRunning
	s.publishJob(job)

	results, err := s.extractor.ExtractBatch(ctx, symbols)
	if err != nil {
		completed := time.Now().UTC()
		job.CompletedAt = &completed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			job.Status = JobCancelled
		} else {
			job.Status = JobFailed
			s.setError(err.Error())
		}
		s.finalizeJob(job, append([]string(nil), symbols...))
		return job, fmt.Errorf("extraction failed: %w", err)
	}

	batch := &recordBatch{}
	gainers := make(map[string]float64)
	losers := make(map[string]float64)
	var missing []string
	now := time.Now().UTC()

	job.Results = make(map[string]map[string]any)
	for _, symbol := range symbols {
		result := results[symbol]
		job.Processed++

		if result.Status != extraction.StatusSuccess {
			job.Failed++
			missing = append(missing, symbol)
			job.Errors = append(job.Errors, JobError{
				Symbol:    symbol,
				Error:     result.Error,
				Timestamp: now,
			})
			continue
		}

		job.Successful++
		job.Results[symbol] = result.Data

		s.cache.SetPrice(ctx, symbol, result.Data)
		s.cache.SetQuoteHash(ctx, symbol, result.Data)
		s.cache.PublishPrice(ctx, symbol, result.Data)

		if pct := asFloat(result.Data["price_change_percent"]); pct != nil {
			if *pct >= 0 {
				gainers[symbol] = *pct
			} else {
				losers[symbol] = *pct
			}
		}

		batch.appendRecords(symbol, result.Data, now)
	}

	// The job keeps only the most recent failures; the full missing list
	// goes to the completeness metrics
	if len(job.Errors) > jobErrorLimit {
		job.Errors = job.Errors[len(job.Errors)-jobErrorLimit:]
	}

	s.cache.UpdateTopMovers(ctx, gainers, losers)

	if err := s.persistBatch(ctx, job, batch); err != nil {
		s.appendLog("error", "Persistence fan-out failed", map[string]any{"job_id": job.ID, "error": err.Error()})
		s.setError(err.Error())
	}

	completed := time.Now().UTC()
	job.CompletedAt = &completed
	job.Status = job.classify()

	s.finalizeJob(job, missing)
	s.appendLog("info", "Extraction finished", map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"successful": job.Successful,
		"failed":     job.Failed,
		"duration_s": job.Duration().Seconds(),
	})
	return job, nil
}

// persistBatch writes the run's typed records to the historical tier, one
// goroutine per table.
func (s *Service) persistBatch(ctx context.Context, job *Job, batch *recordBatch) error {
	if batch.total() == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	report := func(table string, result timeseries.UpsertResult, err error) error {
		if err != nil {
			return fmt.Errorf("%s upsert failed: %w", table, err)
		}
		if len(result.Failures) > 0 {
			s.appendLog("warn", "Records skipped during upsert", map[string]any{
				"job_id":  job.ID,
				"table":   table,
				"applied": result.Applied,
				"skipped": len(result.Failures),
			})
		}
		return nil
	}

	if len(batch.prices) > 0 {
		g.Go(func() error {
			result, err := s.store.UpsertPrices(gctx, batch.prices)
			return report("prices_daily", result, err)
		})
	}
	if len(batch.technicals) > 0 {
		g.Go(func() error {
			result, err := s.store.UpsertTechnicals(gctx, batch.technicals)
			return report("technical_indicators", result, err)
		})
	}
	if len(batch.fundamentals) > 0 {
		g.Go(func() error {
			result, err := s.store.UpsertFundamentals(gctx, batch.fundamentals)
			return report("fundamentals_quarterly", result, err)
		})
	}
	if len(batch.shareholding) > 0 {
		g.Go(func() error {
			result, err := s.store.UpsertShareholding(gctx, batch.shareholding)
			return report("shareholding_quarterly", result, err)
		})
	}
	return g.Wait()
}

// publishJob refreshes the job's shared snapshot for concurrent readers.
func (s *Service) publishJob(job *Job) {
	s.mu.Lock()
	s.jobs[job.ID] = *job
	s.mu.Unlock()
}

// finalizeJob records metrics, persists the job and appends it to the
// bounded history. missing lists every requested symbol that returned no
// data this run.
func (s *Service) finalizeJob(job *Job, missing []string) {
	s.mu.Lock()
	s.metrics.recordJob(job)
	s.metrics.recordCompleteness(len(s.symbols), job.Successful, missing)
	s.history = append(s.history, *job)
	if len(s.history) > s.maxJobs {
		s.history = s.history[len(s.history)-s.maxJobs:]
	}
	// Completed jobs live in history; the map only tracks active runs
	delete(s.jobs, job.ID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.ledger.SaveJob(ctx, job.toRecord()); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("Could not persist job record")
	}
	_ = s.ledger.AppendEvent(ctx, "job_completed", map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"successful": job.Successful,
		"failed":     job.Failed,
	})
}

// StartScheduler begins periodic extraction runs. Starting twice is a no-op
// with a warning.
func (s *Service) StartScheduler() {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	if s.schedOn {
		s.log.Warn().Msg("Scheduler already running")
		return
	}
	s.schedOn = true
	s.stopCh = make(chan struct{})

	s.mu.Lock()
	s.state = StateScheduled
	s.nextRun = time.Now().Add(s.interval)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.schedulerLoop(s.stopCh)

	s.log.Info().Dur("interval", s.interval).Msg("Scheduler started")
	s.appendLog("info", "Scheduler started", map[string]any{"interval_minutes": s.interval.Minutes()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.ledger.AppendEvent(ctx, "scheduler_started", map[string]any{"interval_minutes": s.interval.Minutes()})
}

func (s *Service) schedulerLoop(stopCh chan struct{}) {
	defer s.wg.Done()

	wait := s.interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := s.RunExtraction(context.Background(), "scheduled_extraction", nil)
		if err != nil && !errors.Is(err, ErrJobInFlight) {
			s.log.Error().Err(err).Msg("Scheduled extraction failed")
			wait = schedulerRetry
		} else {
			wait = s.interval
		}

		s.mu.Lock()
		s.nextRun = time.Now().Add(wait)
		if !s.running && s.state != StateError {
			s.state = StateScheduled
		}
		s.mu.Unlock()
	}
}

// StopScheduler halts periodic runs, waiting for the loop to exit. A run
// already in progress completes.
func (s *Service) StopScheduler() {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	if !s.schedOn {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.schedOn = false

	s.mu.Lock()
	s.state = StateIdle
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.log.Info().Msg("Scheduler stopped")
	s.appendLog("info", "Scheduler stopped", nil)
}

// SchedulerRunning reports whether periodic runs are active.
func (s *Service) SchedulerRunning() bool {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.schedOn
}

// UpdateSchedulerConfig changes the run interval. Takes effect from the
// next scheduling decision; an interval below one minute is rejected.
func (s *Service) UpdateSchedulerConfig(interval time.Duration) error {
	if interval < time.Minute {
		return fmt.Errorf("interval %s is below the one minute minimum", interval)
	}
	s.schedMu.Lock()
	s.interval = interval
	s.schedMu.Unlock()
	s.appendLog("info", "Scheduler interval updated", map[string]any{"interval_minutes": interval.Minutes()})
	return nil
}

// SystemStats is host resource usage for status reporting.
type SystemStats struct {
	MemoryUsedPct float64 `json:"memory_used_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	CPUPct        float64 `json:"cpu_percent"`
	Goroutines    int     `json:"goroutines"`
}

// StatusReport is the pipeline's full operational snapshot.
type StatusReport struct {
	State            State          `json:"state"`
	SchedulerRunning bool           `json:"scheduler_running"`
	IntervalMinutes  float64        `json:"interval_minutes"`
	NextRunAt        *time.Time     `json:"next_run_at,omitempty"`
	UptimeSeconds    float64        `json:"uptime_seconds"`
	LastError        string         `json:"last_error,omitempty"`
	LastJob          *Job           `json:"last_job,omitempty"`
	Metrics          Metrics        `json:"metrics"`
	CacheBackend     string         `json:"cache_backend"`
	CacheStats       cache.Stats    `json:"cache_stats"`
	Extractor        map[string]any `json:"extractor,omitempty"`
	System           SystemStats    `json:"system"`
	TrackedSymbols   int            `json:"tracked_symbols"`
}

// Status assembles the operational snapshot.
func (s *Service) Status(ctx context.Context) StatusReport {
	s.mu.RLock()
	report := StatusReport{
		State:          s.state,
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		LastError:      s.lastErr,
		Metrics:        s.metrics,
		TrackedSymbols: len(s.symbols),
	}
	if len(s.history) > 0 {
		last := s.history[len(s.history)-1]
		report.LastJob = &last
	}
	if !s.nextRun.IsZero() {
		next := s.nextRun
		report.NextRunAt = &next
	}
	s.mu.RUnlock()

	s.schedMu.Lock()
	report.SchedulerRunning = s.schedOn
	report.IntervalMinutes = s.interval.Minutes()
	s.schedMu.Unlock()

	report.CacheBackend = s.cache.Backend()
	report.CacheStats = s.cache.GetStats(ctx)
	report.Extractor = s.extractor.Metrics()
	report.System = systemStats()
	return report
}

func systemStats() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedPct = vm.UsedPercent
		stats.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		stats.CPUPct = pcts[0]
	}
	return stats
}

// GetJob returns a job from the in-memory map, or from the durable ledger
// history when the process has restarted since the run.
func (s *Service) GetJob(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if job, ok := s.jobs[id]; ok {
		return &job, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			copied := s.history[i]
			return &copied, true
		}
	}
	return nil, false
}

// ListJobs returns known jobs newest first: any run in progress followed by
// completed history, up to limit.
func (s *Service) ListJobs(limit int) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Job
	for _, job := range s.jobs {
		out = append(out, job)
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Events returns entries from the durable event log, newest first,
// optionally restricted to one event type.
func (s *Service) Events(ctx context.Context, limit int, eventType string) ([]ledger.Event, error) {
	return s.ledger.Events(ctx, limit, eventType)
}

// History returns up to limit completed jobs, newest first.
func (s *Service) History(limit int) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Job, 0, limit)
	for i := len(s.history) - 1; i >= len(s.history)-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Metrics returns accumulated run statistics.
func (s *Service) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Logs returns up to limit in-memory log entries, newest first.
func (s *Service) Logs(limit int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.logs) {
		limit = len(s.logs)
	}
	out := make([]LogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= len(s.logs)-limit; i-- {
		out = append(out, s.logs[i])
	}
	return out
}

// DataSummary merges per-symbol results across the most recent jobs into a
// single freshness snapshot.
func (s *Service) DataSummary() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := s.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	symbols := make(map[string]time.Time)
	for _, job := range recent {
		if job.CompletedAt == nil {
			continue
		}
		for symbol := range job.Results {
			if existing, ok := symbols[symbol]; !ok || job.CompletedAt.After(existing) {
				symbols[symbol] = *job.CompletedAt
			}
		}
	}

	freshness := make(map[string]any, len(symbols))
	for symbol, at := range symbols {
		freshness[symbol] = at
	}
	return map[string]any{
		"jobs_considered": len(recent),
		"symbols_fresh":   len(symbols),
		"tracked":         len(s.symbols),
		"freshness":       freshness,
	}
}

func (s *Service) appendLog(level, message string, fields map[string]any) {
	s.mu.Lock()
	s.logs = append(s.logs, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
	if len(s.logs) > logLimit {
		s.logs = s.logs[len(s.logs)-logLimit:]
	}
	s.mu.Unlock()
}

// setError records the failure and moves the pipeline into the error state.
// The state clears on the next run's transition to running.
func (s *Service) setError(message string) {
	s.mu.Lock()
	s.lastErr = message
	s.state = StateError
	s.mu.Unlock()
}
