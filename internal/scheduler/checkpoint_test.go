package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/renqi/tradewind/internal/testing"
)

func TestWALCheckpointJob(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	db, cleanup := testingpkg.NewTestDB(t, "market")
	t.Cleanup(cleanup)

	job := NewWALCheckpointJob(log, db, nil)
	assert.Equal(t, "wal_checkpoint", job.Name())
	require.NoError(t, job.Run(), "nil handles are skipped")
}

func TestWALCheckpointJobReportsFailures(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	cleanup()

	job := NewWALCheckpointJob(log, db)
	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1")
}
