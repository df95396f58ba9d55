package reliability

import (
	"context"
	"time"
)

// A full backup of multi-year daily bars stays well under this.
const backupTimeout = 30 * time.Minute

// BackupJob wraps the backup service for the scheduler.
type BackupJob struct {
	service *BackupService
}

// NewBackupJob creates the nightly backup job.
func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

// Run creates and uploads a backup archive, then prunes old ones.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	if _, err := j.service.CreateAndUpload(ctx); err != nil {
		return err
	}

	_, err := j.service.Prune(ctx)
	return err
}

// Name returns the job name for the scheduler.
func (j *BackupJob) Name() string {
	return "nightly_backup"
}
