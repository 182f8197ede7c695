// Package pipeline orchestrates extraction runs: job lifecycle, scheduling,
// cache and persistence fan-out, and operational reporting.
package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stockpulse/pipeline/internal/ledger"
)

// JobStatus is the lifecycle state of one extraction run.
type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobRunning        JobStatus = "running"
	JobSuccess        JobStatus = "success"
	JobPartialSuccess JobStatus = "partial_success"
	JobFailed         JobStatus = "failed"
	JobCancelled      JobStatus = "cancelled"
)

// State is the pipeline's overall condition.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateScheduled State = "scheduled"
	StateError     State = "error"
)

// JobError is one failed symbol within a job. Only the most recent few are
// kept on the job itself.
type JobError struct {
	Symbol    string    `json:"symbol"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is one extraction run.
type Job struct {
	ID          string                    `json:"job_id"`
	Kind        string                    `json:"kind"`
	Status      JobStatus                 `json:"status"`
	Symbols     []string                  `json:"symbols"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Total       int                       `json:"total"`
	Processed   int                       `json:"processed"`
	Successful  int                       `json:"successful"`
	Failed      int                       `json:"failed"`
	Errors      []JobError                `json:"errors,omitempty"`
	Results     map[string]map[string]any `json:"-"`
}

// Duration returns the job's wall-clock runtime, zero while incomplete.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// classify derives the terminal status from the success counts.
func (j *Job) classify() JobStatus {
	switch {
	case j.Successful == j.Total && j.Total > 0:
		return JobSuccess
	case j.Successful > 0:
		return JobPartialSuccess
	default:
		return JobFailed
	}
}

func (j *Job) toRecord() ledger.JobRecord {
	record := ledger.JobRecord{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      string(j.Status),
		Symbols:     j.Symbols,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Total:       j.Total,
		Processed:   j.Processed,
		Successful:  j.Successful,
		Failed:      j.Failed,
		Results:     j.Results,
	}
	for _, e := range j.Errors {
		record.Errors = append(record.Errors, ledger.JobError{
			Symbol:    e.Symbol,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		})
	}
	return record
}

func jobFromRecord(record ledger.JobRecord) Job {
	job := Job{
		ID:          record.ID,
		Kind:        record.Kind,
		Status:      JobStatus(record.Status),
		Symbols:     record.Symbols,
		CreatedAt:   record.CreatedAt,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
		Total:       record.Total,
		Processed:   record.Processed,
		Successful:  record.Successful,
		Failed:      record.Failed,
		Results:     record.Results,
	}
	for _, e := range record.Errors {
		job.Errors = append(job.Errors, JobError{
			Symbol:    e.Symbol,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		})
	}
	return job
}

// newJobID returns a short unique job identifier.
func newJobID() string {
	return "job-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
