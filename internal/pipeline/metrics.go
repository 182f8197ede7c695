package pipeline

import "time"

// Metrics accumulates run statistics for the process lifetime. The average
// duration is maintained incrementally so no per-job history is needed. The
// completeness fields describe the most recent run against the tracked
// universe.
type Metrics struct {
	TotalJobs          int        `json:"total_jobs"`
	SuccessfulJobs     int        `json:"successful_jobs"`
	PartialJobs        int        `json:"partial_jobs"`
	FailedJobs         int        `json:"failed_jobs"`
	CancelledJobs      int        `json:"cancelled_jobs"`
	SymbolsProcessed   int        `json:"symbols_processed"`
	SymbolsFailed      int        `json:"symbols_failed"`
	AvgDurationSeconds float64    `json:"avg_duration_seconds"`
	LastJobAt          *time.Time `json:"last_job_at,omitempty"`

	ExpectedSymbols int      `json:"expected_symbols"`
	ReceivedSymbols int      `json:"received_symbols"`
	MissingSymbols  []string `json:"missing_symbols,omitempty"`
	CompletenessPct float64  `json:"completeness_percent"`
}

func (m *Metrics) recordJob(job *Job) {
	m.TotalJobs++
	switch job.Status {
	case JobSuccess:
		m.SuccessfulJobs++
	case JobPartialSuccess:
		m.PartialJobs++
	case JobCancelled:
		m.CancelledJobs++
	default:
		m.FailedJobs++
	}
	m.SymbolsProcessed += job.Processed
	m.SymbolsFailed += job.Failed

	duration := job.Duration().Seconds()
	n := float64(m.TotalJobs)
	m.AvgDurationSeconds = (m.AvgDurationSeconds*(n-1) + duration) / n

	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		m.LastJobAt = &completed
	}
}

// recordCompleteness captures how much of the tracked universe the last run
// actually delivered.
func (m *Metrics) recordCompleteness(expected, received int, missing []string) {
	m.ExpectedSymbols = expected
	m.ReceivedSymbols = received
	m.MissingSymbols = missing
	if expected > 0 {
		m.CompletenessPct = float64(received) / float64(expected) * 100
	} else {
		m.CompletenessPct = 0
	}
}
