package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	repo := NewRepository(conn, zerolog.Nop())
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func sampleJob(id string, createdAt time.Time) JobRecord {
	started := createdAt.Add(time.Second)
	completed := createdAt.Add(30 * time.Second)
	return JobRecord{
		ID:          id,
		Kind:        "full_extraction",
		Status:      "partial_success",
		Symbols:     []string{"RELIANCE", "TCS", "INFY"},
		CreatedAt:   createdAt,
		StartedAt:   &started,
		CompletedAt: &completed,
		Total:       3,
		Processed:   3,
		Successful:  2,
		Failed:      1,
		Errors: []JobError{
			{Symbol: "INFY", Error: "upstream timeout", Timestamp: createdAt},
		},
		Results: map[string]map[string]any{
			"RELIANCE": {"close": 2500.5, "volume": int64(1200000)},
			"TCS":      {"close": 3601.0},
		},
	}
}

func TestSaveAndGetJobRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	original := sampleJob("job-abc123", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, repo.SaveJob(ctx, original))

	loaded, err := repo.GetJob(ctx, "job-abc123")
	require.NoError(t, err)

	assert.Equal(t, original.ID, loaded.ID)
	assert.Equal(t, original.Status, loaded.Status)
	assert.Equal(t, original.Symbols, loaded.Symbols)
	assert.Equal(t, original.Successful, loaded.Successful)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, "INFY", loaded.Errors[0].Symbol)
	require.NotNil(t, loaded.Results)
	assert.Equal(t, 2500.5, loaded.Results["RELIANCE"]["close"])
}

func TestSaveJobReplacesExistingRow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	job := sampleJob("job-dup", time.Now().UTC())
	require.NoError(t, repo.SaveJob(ctx, job))

	job.Status = "success"
	job.Failed = 0
	require.NoError(t, repo.SaveJob(ctx, job))

	loaded, err := repo.GetJob(ctx, "job-dup")
	require.NoError(t, err)
	assert.Equal(t, "success", loaded.Status)
	assert.Equal(t, 0, loaded.Failed)

	jobs, err := repo.RecentJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestGetJobMissing(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecentJobsNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"job-1", "job-2", "job-3"} {
		job := sampleJob(id, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.SaveJob(ctx, job))
	}

	jobs, err := repo.RecentJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-3", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)
}

func TestEventLogAppendAndFilter(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.AppendEvent(ctx, "scheduler_started", map[string]any{"interval_minutes": 15}))
	require.NoError(t, repo.AppendEvent(ctx, "job_completed", map[string]any{"job_id": "job-1"}))
	require.NoError(t, repo.AppendEvent(ctx, "job_completed", map[string]any{"job_id": "job-2"}))

	all, err := repo.Events(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "job_completed", all[0].Type, "events come back newest first")
	assert.Equal(t, "job-2", all[0].Data["job_id"])

	completed, err := repo.Events(ctx, 10, "job_completed")
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestPruneEventsKeepsNewest(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, repo.AppendEvent(ctx, "tick", nil))
	}

	removed, err := repo.PruneEvents(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)

	remaining, err := repo.Events(ctx, 100, "")
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}
