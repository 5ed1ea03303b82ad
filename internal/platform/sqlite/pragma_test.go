package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litecoord/internal/shared"
)

func TestApplyPragmas(t *testing.T) {
	ctx := context.Background()
	db := NewTestDBFile(t)

	err := ApplyPragmas(ctx, db.Conn, PragmaOptions{
		OptCacheSize:   "-4000",
		OptTempStore:   "MEMORY",
		OptForeignKeys: "off",
		OptSynchronous: "full",
	})
	require.NoError(t, err)

	var cacheSize, tempStore, synchronous int
	var foreignKeys bool
	require.NoError(t, db.GetContext(ctx, &cacheSize, "PRAGMA cache_size"))
	require.NoError(t, db.GetContext(ctx, &tempStore, "PRAGMA temp_store"))
	require.NoError(t, db.GetContext(ctx, &synchronous, "PRAGMA synchronous"))
	require.NoError(t, db.GetContext(ctx, &foreignKeys, "PRAGMA foreign_keys"))

	assert.Equal(t, -4000, cacheSize)
	assert.Equal(t, 2, tempStore)
	assert.Equal(t, 2, synchronous)
	assert.False(t, foreignKeys)
	assert.False(t, db.ForeignKeys())

	applied := db.AppliedPragmas()
	assert.Equal(t, -4000, applied[OptCacheSize])
	assert.Equal(t, "memory", applied[OptTempStore])
}

func TestApplyPragmas_JournalModeRollback(t *testing.T) {
	ctx := context.Background()
	db := NewTestDBFile(t)

	require.NoError(t, ApplyPragmas(ctx, db.Conn, PragmaOptions{OptJournalMode: "rollback"}))

	var mode string
	require.NoError(t, db.GetContext(ctx, &mode, "PRAGMA journal_mode"))
	assert.Equal(t, "delete", mode)
	assert.Equal(t, "delete", db.AppliedPragmas()[OptJournalMode])
}

func TestApplyPragmas_RejectsBeforeExecuting(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    PragmaOptions
		wantErr error
	}{
		{"unknown key", PragmaOptions{"page_size": 4096}, ErrUnknownOption},
		{"bad journal mode", PragmaOptions{OptJournalMode: "truncate"}, ErrInvalidOption},
		{"bad synchronous", PragmaOptions{OptSynchronous: 3}, ErrInvalidOption},
		{"bad bool", PragmaOptions{OptForeignKeys: "maybe"}, ErrInvalidOption},
		{"negative busy timeout", PragmaOptions{OptBusyTimeoutMS: -1}, ErrInvalidOption},
		{"fractional cache size", PragmaOptions{OptCacheSize: 1.5}, ErrInvalidOption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := NewTestDBInMemory(t)
			// валидная опция рядом с невалидной не должна примениться
			tt.opts[OptTempStore] = "memory"

			err := ApplyPragmas(ctx, db.Conn, tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, shared.IsValidation(err))

			_, applied := db.AppliedPragmas()[OptTempStore]
			assert.False(t, applied)
			assert.NoError(t, db.Ping(ctx), "validation failure must leave the connection usable")
		})
	}
}

func TestPlanPragmasOrder(t *testing.T) {
	stmts, err := planPragmas(PragmaOptions{
		OptQueryOnly:     true,
		OptJournalMode:   "wal",
		OptBusyTimeoutMS: 100,
		OptForeignKeys:   1,
	})
	require.NoError(t, err)

	var got []string
	for _, s := range stmts {
		got = append(got, s.stmt)
	}
	assert.Equal(t, []string{
		"PRAGMA busy_timeout = 100",
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA query_only = ON",
	}, got)
}

func TestLoadPragmaFile(t *testing.T) {
	opts, err := LoadPragmaFile(filepath.Join("testdata", "pragmas.yaml"))
	require.NoError(t, err)

	assert.Equal(t, true, opts[OptForeignKeys])
	assert.Equal(t, "wal", opts[OptJournalMode])
	assert.Equal(t, "full", opts[OptSynchronous])
	assert.Equal(t, -4000, opts[OptCacheSize])

	db := NewTestDBFile(t, func(o *Options) { o.Pragmas = DefaultOptions().Pragmas.Merge(opts) })
	assert.Equal(t, "full", db.AppliedPragmas()[OptSynchronous])
}

func TestLoadPragmaFile_Errors(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("mmap_size: 1024\n"), 0o644))
	require.NoError(t, os.WriteFile(broken, []byte("foreign_keys: [\n"), 0o644))

	_, err := LoadPragmaFile(unknown)
	assert.ErrorIs(t, err, ErrUnknownOption)

	_, err = LoadPragmaFile(broken)
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = LoadPragmaFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPragmaOptionsMerge(t *testing.T) {
	base := PragmaOptions{OptForeignKeys: true, OptJournalMode: "wal"}
	merged := base.Merge(PragmaOptions{OptJournalMode: "rollback", OptCacheSize: 100})

	assert.Equal(t, PragmaOptions{OptForeignKeys: true, OptJournalMode: "rollback", OptCacheSize: 100}, merged)
	assert.Equal(t, "wal", base[OptJournalMode], "Merge must not modify the receiver")
}
