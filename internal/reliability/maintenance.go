package reliability

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stockpulse/pipeline/internal/database"
	"github.com/stockpulse/pipeline/internal/ledger"
)

const eventLogKeep = 1000

// Maintenance runs the nightly housekeeping schedule: event log pruning,
// WAL checkpointing and the offsite backup cycle.
type Maintenance struct {
	cron   *cron.Cron
	repo   *ledger.Repository
	db     *database.DB
	backup *BackupService
	log    zerolog.Logger
}

// NewMaintenance builds the schedule. The backup service may be nil when
// offsite backups are not configured; the backup jobs are skipped then.
func NewMaintenance(repo *ledger.Repository, db *database.DB, backup *BackupService, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		cron:   cron.New(),
		repo:   repo,
		db:     db,
		backup: backup,
		log:    log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the jobs and begins the schedule.
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc("30 0 * * *", m.pruneEvents); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("0 2 * * *", m.checkpoint); err != nil {
		return err
	}
	if m.backup != nil {
		if _, err := m.cron.AddFunc("0 3 * * *", m.runBackup); err != nil {
			return err
		}
	}
	m.cron.Start()
	m.log.Info().Bool("backups", m.backup != nil).Msg("Maintenance schedule started")
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("Maintenance schedule stopped")
}

func (m *Maintenance) pruneEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := m.repo.PruneEvents(ctx, eventLogKeep)
	if err != nil {
		m.log.Error().Err(err).Msg("Event log prune failed")
		return
	}
	m.log.Info().Int64("removed", removed).Msg("Event log pruned")
}

func (m *Maintenance) checkpoint() {
	if err := m.db.WALCheckpoint("TRUNCATE"); err != nil {
		m.log.Error().Err(err).Msg("WAL checkpoint failed")
		return
	}
	m.log.Debug().Msg("WAL checkpoint complete")
}

func (m *Maintenance) runBackup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	key, err := m.backup.Backup(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Backup failed")
		return
	}
	if _, err := m.backup.RotateOldBackups(ctx); err != nil {
		m.log.Error().Err(err).Msg("Backup rotation failed")
	}
	m.log.Info().Str("key", key).Msg("Backup cycle complete")
}
