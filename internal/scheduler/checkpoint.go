package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/renqi/tradewind/internal/database"
)

// WALCheckpointJob truncates the WAL sidecars of the core databases so
// long-running deployments do not accrue unbounded -wal files.
type WALCheckpointJob struct {
	log zerolog.Logger
	dbs []*database.DB
}

// NewWALCheckpointJob creates a checkpoint job over the given databases.
func NewWALCheckpointJob(log zerolog.Logger, dbs ...*database.DB) *WALCheckpointJob {
	return &WALCheckpointJob{
		log: log.With().Str("job", "wal_checkpoint").Logger(),
		dbs: dbs,
	}
}

// Name returns the job name.
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run checkpoints every database, continuing past individual failures.
func (j *WALCheckpointJob) Run() error {
	failed := 0
	for _, db := range j.dbs {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			failed++
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			continue
		}
		j.log.Debug().Str("database", db.Name()).Msg("WAL checkpointed")
	}
	if failed > 0 {
		return fmt.Errorf("wal checkpoint failed on %d of %d databases", failed, len(j.dbs))
	}
	return nil
}
