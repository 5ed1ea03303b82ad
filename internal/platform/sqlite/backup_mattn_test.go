//go:build cgo

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMattn(o *Options) { o.Driver = DriverMattn }

func TestBackup_MattnIntoMemory(t *testing.T) {
	ctx := context.Background()
	src := NewTestDBFile(t, withMattn)
	src.MustSeedData(t,
		"CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL)",
		"INSERT INTO notes (body) VALUES ('first'), ('second'), ('third')",
	)
	dst := NewTestDBInMemory(t, withMattn)

	var last int
	progress, err := Backup(ctx, src.Conn, dst.Conn, BackupOptions{
		PagesPerStep: 1,
		OnProgress:   func(copied, total int) { last = copied },
	})
	require.NoError(t, err)

	assert.Equal(t, progress.Total, progress.Copied)
	assert.Equal(t, progress.Total, last)
	assert.Equal(t, 3, dst.CountRows(t, "notes"))
}

func TestBackup_DriverMismatch(t *testing.T) {
	src := NewTestDBFile(t)
	dst := NewTestDBInMemory(t, withMattn)

	_, err := Backup(context.Background(), src.Conn, dst.Conn, BackupOptions{})
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestIsBusy_Mattn(t *testing.T) {
	ctx := context.Background()
	first := NewTestDBFile(t, withMattn)
	second := first.OpenTestDB(t, withMattn, func(o *Options) { o.BusyTimeout = 50 * time.Millisecond })
	first.Exec(t, "CREATE TABLE t (id INTEGER)")

	tx, err := first.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = second.Begin(ctx, TxLockImmediate)
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.ErrorIs(t, err, ErrBusy)
}
