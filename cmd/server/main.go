// Command server runs the market data pipeline: periodic extraction runs
// fanned out to the Redis hot tier, the PostgreSQL historical tier and the
// SQLite job ledger.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/stockpulse/pipeline/internal/cache"
	"github.com/stockpulse/pipeline/internal/config"
	"github.com/stockpulse/pipeline/internal/database"
	"github.com/stockpulse/pipeline/internal/extraction"
	"github.com/stockpulse/pipeline/internal/ledger"
	"github.com/stockpulse/pipeline/internal/pipeline"
	"github.com/stockpulse/pipeline/internal/reliability"
	"github.com/stockpulse/pipeline/internal/timeseries"
	"github.com/stockpulse/pipeline/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Configuration error")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Dur("scheduler_interval", cfg.SchedulerInterval).
		Bool("auto_start", cfg.SchedulerAutoStart).
		Msg("Starting pipeline server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job ledger (SQLite, full durability profile)
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open ledger database")
	}
	defer ledgerDB.Close()

	repo := ledger.NewRepository(ledgerDB.Conn(), log)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ledger migration failed")
	}

	// Hot tier (Redis, with permanent in-process fallback)
	cacheSvc := cache.New(cfg.RedisURL, log)
	defer cacheSvc.Close()

	// Historical tier (PostgreSQL)
	store, err := timeseries.New(ctx, cfg.TimeseriesDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to timeseries database")
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Timeseries migration failed")
	}

	// Upstream source. The stub adapter keeps the pipeline operable until a
	// real market data integration is configured.
	var adapter extraction.Adapter = extraction.Unavailable{}
	if err := adapter.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Extraction adapter failed to initialize")
	}
	defer adapter.Close()
	log.Warn().Msg("No upstream market data source configured, extraction runs will report failures")

	coordinator := extraction.NewCoordinator(adapter, cfg.ExtractionSpacing, log)

	svc := pipeline.NewService(coordinator, cacheSvc, store, repo, cfg.SchedulerInterval, log)

	// Nightly housekeeping, with offsite backups when configured
	var backupSvc *reliability.BackupService
	if cfg.Backup.Enabled {
		objStore, err := reliability.NewObjectStore(ctx,
			cfg.Backup.Endpoint, cfg.Backup.Region, cfg.Backup.Bucket,
			cfg.Backup.AccessKeyID, cfg.Backup.SecretAccessKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not configure backup storage")
		}
		backupSvc = reliability.NewBackupService(ledgerDB, objStore, cfg.DataDir, cfg.Backup.RetentionDays, log)
	}
	maintenance := reliability.NewMaintenance(repo, ledgerDB, backupSvc, log)
	if err := maintenance.Start(); err != nil {
		log.Fatal().Err(err).Msg("Could not start maintenance schedule")
	}

	if cfg.SchedulerAutoStart {
		svc.StartScheduler()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	svc.StopScheduler()
	maintenance.Stop()

	log.Info().Msg("Shutdown complete")
}
