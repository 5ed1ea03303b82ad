package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litecoord/internal/platform/sqlite"
)

func TestEmbeddedSteps(t *testing.T) {
	steps, err := sqlite.StepsFromFS(FS, Dir)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	for i, step := range steps {
		assert.Equal(t, int64(i+1), step.Version)
		assert.NotEmpty(t, step.Name)
	}
}

func TestEmbeddedStepsApply(t *testing.T) {
	ctx := context.Background()
	steps, err := sqlite.StepsFromFS(FS, Dir)
	require.NoError(t, err)

	db := sqlite.NewTestDBFile(t)
	report := db.ApplyTestSteps(t, steps...)
	assert.Equal(t, int64(3), report.To)

	for _, table := range []string{"users", "backup_log"} {
		assert.True(t, db.TableExists(t, table), table)
	}
	ok, err := sqlite.IndexExists(ctx, db.Conn, "idx_backup_log_started_at")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second run is a no-op
	again := db.ApplyTestSteps(t, steps...)
	assert.Empty(t, again.Applied)
}
