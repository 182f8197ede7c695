// Package ledger persists pipeline job outcomes and the operational event
// log in SQLite. Jobs are stored as one row per run with the per-symbol
// result map packed into a binary blob.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
	job_id       TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	symbols      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP,
	total        INTEGER NOT NULL DEFAULT 0,
	processed    INTEGER NOT NULL DEFAULT 0,
	successful   INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	errors       TEXT,
	results      BLOB
);

CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_created ON pipeline_jobs (created_at DESC);

CREATE TABLE IF NOT EXISTS pipeline_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TIMESTAMP NOT NULL,
	event_type TEXT NOT NULL,
	data       TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_events_type ON pipeline_events (event_type);
`

// JobError is one failed symbol within a job.
type JobError struct {
	Symbol    string    `json:"symbol"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// JobRecord is the durable form of one pipeline run.
type JobRecord struct {
	ID          string                    `json:"job_id"`
	Kind        string                    `json:"kind"`
	Status      string                    `json:"status"`
	Symbols     []string                  `json:"symbols"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Total       int                       `json:"total"`
	Processed   int                       `json:"processed"`
	Successful  int                       `json:"successful"`
	Failed      int                       `json:"failed"`
	Errors      []JobError                `json:"errors,omitempty"`
	Results     map[string]map[string]any `json:"results,omitempty"`
}

// Event is one operational log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Repository is the ledger's storage layer.
type Repository struct {
	conn *sql.DB
	log  zerolog.Logger
}

// NewRepository wraps an open ledger database connection.
func NewRepository(conn *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		conn: conn,
		log:  log.With().Str("component", "ledger").Logger(),
	}
}

// Migrate creates the ledger schema. Safe to run on every startup.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// SaveJob writes a job record, replacing any previous row for the same job.
func (r *Repository) SaveJob(ctx context.Context, job JobRecord) error {
	symbols, err := json.Marshal(job.Symbols)
	if err != nil {
		return fmt.Errorf("failed to encode symbols: %w", err)
	}

	var errorsJSON []byte
	if len(job.Errors) > 0 {
		if errorsJSON, err = json.Marshal(job.Errors); err != nil {
			return fmt.Errorf("failed to encode job errors: %w", err)
		}
	}

	var results []byte
	if len(job.Results) > 0 {
		if results, err = msgpack.Marshal(job.Results); err != nil {
			return fmt.Errorf("failed to encode job results: %w", err)
		}
	}

	_, err = r.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO pipeline_jobs
			(job_id, kind, status, symbols, created_at, started_at, completed_at,
			 total, processed, successful, failed, errors, results)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.Status, string(symbols), job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.Total, job.Processed,
		job.Successful, job.Failed, nullableString(errorsJSON), results)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns one job by ID, or sql.ErrNoRows when absent.
func (r *Repository) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT job_id, kind, status, symbols, created_at, started_at, completed_at,
		       total, processed, successful, failed, errors, results
		FROM pipeline_jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// RecentJobs returns up to limit jobs, newest first.
func (r *Repository) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn.QueryContext(ctx, `
		SELECT job_id, kind, status, symbols, created_at, started_at, completed_at,
		       total, processed, successful, failed, errors, results
		FROM pipeline_jobs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendEvent adds one entry to the operational event log.
func (r *Repository) AppendEvent(ctx context.Context, eventType string, data map[string]any) error {
	var payload []byte
	if len(data) > 0 {
		var err error
		if payload, err = json.Marshal(data); err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO pipeline_events (timestamp, event_type, data)
		VALUES (?, ?, ?)`,
		time.Now().UTC(), eventType, nullableString(payload))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns up to limit entries newest first, optionally restricted to
// one event type.
func (r *Repository) Events(ctx context.Context, limit int, eventType string) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, event_type, data FROM pipeline_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event Event
			data  sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Type, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				r.log.Debug().Err(err).Int64("event_id", event.ID).Msg("Unreadable event payload")
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneEvents deletes all but the newest keep entries and returns the number
// removed.
func (r *Repository) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := r.conn.ExecContext(ctx, `
		DELETE FROM pipeline_events
		WHERE id NOT IN (SELECT id FROM pipeline_events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	removed, _ := result.RowsAffected()
	if removed > 0 {
		r.log.Debug().Int64("removed", removed).Int("kept", keep).Msg("Event log pruned")
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var (
		job         JobRecord
		symbolsJSON string
		errorsJSON  sql.NullString
		results     []byte
	)
	err := row.Scan(&job.ID, &job.Kind, &job.Status, &symbolsJSON,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&job.Total, &job.Processed, &job.Successful, &job.Failed,
		&errorsJSON, &results)
	if err != nil {
		return job, err
	}

	if err := json.Unmarshal([]byte(symbolsJSON), &job.Symbols); err != nil {
		return job, fmt.Errorf("failed to decode symbols for job %s: %w", job.ID, err)
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &job.Errors); err != nil {
			return job, fmt.Errorf("failed to decode errors for job %s: %w", job.ID, err)
		}
	}
	if len(results) > 0 {
		if err := msgpack.Unmarshal(results, &job.Results); err != nil {
			return job, fmt.Errorf("failed to decode results for job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func nullableString(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
