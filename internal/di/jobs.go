package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/config"
	"github.com/renqi/tradewind/internal/database"
	"github.com/renqi/tradewind/internal/reliability"
	"github.com/renqi/tradewind/internal/scheduler"
)

// Maintenance schedules, in the exchange timezone. Both run well outside
// trading hours.
const (
	backupSchedule     = "30 2 * * *"
	checkpointSchedule = "0 3 * * *"
)

// RegisterJobs creates the scheduler and attaches the maintenance jobs.
// Off-site backups are skipped when not configured.
func RegisterJobs(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched, err := scheduler.New(cfg, container.Runner, container.Ingest, container.Bus, log)
	if err != nil {
		return err
	}
	container.Scheduler = sched

	checkpoint := scheduler.NewWALCheckpointJob(log, container.MarketDB, container.LedgerDB)
	if err := sched.AddJob(checkpointSchedule, checkpoint); err != nil {
		return err
	}

	if !cfg.BackupsEnabled() {
		log.Debug().Msg("Off-site backups not configured, skipping backup job")
		return nil
	}

	store, err := reliability.NewS3Client(ctx,
		cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3Bucket, log)
	if err != nil {
		return fmt.Errorf("failed to initialize backup store: %w", err)
	}

	container.Backups = reliability.NewBackupService(
		store,
		map[string]*database.DB{"market": container.MarketDB, "ledger": container.LedgerDB},
		[]string{cfg.LogDir, filepath.Join(cfg.DataDir, "astock")},
		filepath.Join(cfg.DataDir, "staging"),
		cfg.BackupRetention,
		log,
	)
	if err := sched.AddJob(backupSchedule, reliability.NewBackupJob(container.Backups)); err != nil {
		return err
	}
	log.Info().Str("bucket", cfg.S3Bucket).Msg("Nightly backup job registered")
	return nil
}
