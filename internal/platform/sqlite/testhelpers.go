package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

// TestDB - соединение с тестовой базой и удобные хелперы поверх него.
type TestDB struct {
	*Conn
	Path string // путь к файлу БД (":memory:" для in-memory)
}

// testOptions - настройки по умолчанию для тестов: без логов и с коротким busy timeout.
func testOptions(opts []func(*Options)) Options {
	o := DefaultOptions()
	o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewTestDBInMemory создаёт in-memory базу. Соединение закрывается после теста.
func NewTestDBInMemory(t testing.TB, opts ...func(*Options)) *TestDB {
	t.Helper()
	return openTestDB(t, MemoryTarget, opts)
}

// NewTestDBFile создаёт файловую базу во временной директории теста.
func NewTestDBFile(t testing.TB, opts ...func(*Options)) *TestDB {
	t.Helper()
	return openTestDB(t, filepath.Join(t.TempDir(), "test.db"), opts)
}

// OpenTestDB открывает ещё одно соединение к той же базе (например, второго писателя).
func (tdb *TestDB) OpenTestDB(t testing.TB, opts ...func(*Options)) *TestDB {
	t.Helper()
	return openTestDB(t, tdb.Path, opts)
}

func openTestDB(t testing.TB, path string, opts []func(*Options)) *TestDB {
	t.Helper()

	conn, err := Open(context.Background(), path, testOptions(opts))
	if err != nil {
		t.Fatalf("Failed to open test DB %s: %v", path, err)
	}
	t.Cleanup(func() {
		_ = conn.Close(context.Background())
	})
	return &TestDB{Conn: conn, Path: path}
}

// ApplyTestSteps применяет шаги миграции и падает при ошибке.
func (tdb *TestDB) ApplyTestSteps(t testing.TB, steps ...Step) MigrationReport {
	t.Helper()

	m, err := NewMigrator(MigratorOptions{Logger: tdb.log})
	if err != nil {
		t.Fatalf("Failed to create migrator: %v", err)
	}
	report, err := m.Run(context.Background(), tdb.Conn, steps)
	if err != nil {
		t.Fatalf("Failed to apply test migrations: %v", err)
	}
	return report
}

// Exec выполняет SQL команду и падает при ошибке.
func (tdb *TestDB) Exec(t testing.TB, query string, args ...any) {
	t.Helper()

	if _, err := tdb.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("Failed to execute %q: %v", query, err)
	}
}

// MustSeedData выполняет набор команд подготовки данных.
func (tdb *TestDB) MustSeedData(t testing.TB, queries ...string) {
	t.Helper()

	for _, q := range queries {
		tdb.Exec(t, q)
	}
}

// CountRows возвращает количество строк в таблице.
func (tdb *TestDB) CountRows(t testing.TB, table string) int {
	t.Helper()

	var n int
	if err := tdb.GetContext(context.Background(), &n, "SELECT count(*) FROM "+quoteIdent(table)); err != nil {
		t.Fatalf("Failed to count rows in table %s: %v", table, err)
	}
	return n
}

// TableExists проверяет существование таблицы.
func (tdb *TestDB) TableExists(t testing.TB, table string) bool {
	t.Helper()

	ok, err := TableExists(context.Background(), tdb.Conn, table)
	if err != nil {
		t.Fatalf("Failed to check table existence: %v", err)
	}
	return ok
}

// ColumnNames возвращает имена колонок таблицы по порядку.
func (tdb *TestDB) ColumnNames(t testing.TB, table string) []string {
	t.Helper()

	cols, err := Columns(context.Background(), tdb.Conn, table)
	if err != nil {
		t.Fatalf("Failed to list columns: %v", err)
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// WithTx выполняет fn в транзакции и падает, если она не зафиксировалась.
func (tdb *TestDB) WithTx(t testing.TB, fn func(ctx context.Context, tx *Tx) error) {
	t.Helper()

	if err := tdb.WithinTx(context.Background(), TxLockDeferred, fn); err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}
