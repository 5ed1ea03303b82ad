package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"litecoord/internal/platform/logger"
	"litecoord/internal/platform/sqlite"
	"litecoord/migrations"
)

// newMigratedDB открывает файловую базу и применяет встроенные миграции.
func newMigratedDB(t *testing.T) (string, sqlite.Options, *Store) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "app.db")
	opts := sqlite.DefaultOptions()
	opts.Logger = logger.Discard()

	conn, err := sqlite.Open(ctx, path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })

	steps, err := sqlite.StepsFromFS(migrations.FS, migrations.Dir)
	require.NoError(t, err)
	m, err := sqlite.NewMigrator(sqlite.MigratorOptions{Logger: logger.Discard()})
	require.NoError(t, err)
	_, err = m.Run(ctx, conn, steps)
	require.NoError(t, err)

	return path, opts, NewStore(conn)
}
