package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"litecoord/internal/shared"
)

// DefaultVersionTable - таблица, в которой хранится текущая версия схемы.
const DefaultVersionTable = "schema_version"

// legacyVersionTable - таблица версий golang-migrate, которой база могла мигрироваться раньше.
const legacyVersionTable = "schema_migrations"

// Action - одно действие шага миграции, выполняется внутри транзакции шага.
type Action interface {
	Apply(ctx context.Context, tx *Tx) error
	String() string
}

// Step - версионированный шаг миграции. После публикации не меняется.
type Step struct {
	Version int64
	Name    string
	Actions []Action
}

// SQL - одна команда с аргументами.
type SQL struct {
	Query string
	Args  []any
}

// Apply выполняет команду.
func (a SQL) Apply(ctx context.Context, tx *Tx) error {
	_, err := tx.ExecContext(ctx, a.Query, a.Args...)
	return err
}

func (a SQL) String() string { return "sql: " + firstLine(a.Query) }

// Script - тело из нескольких команд без аргументов (например, *.up.sql файл).
type Script struct {
	Body string
}

// Apply выполняет скрипт целиком.
func (a Script) Apply(ctx context.Context, tx *Tx) error {
	if strings.TrimSpace(a.Body) == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, a.Body)
	return err
}

func (a Script) String() string { return "script: " + firstLine(a.Body) }

// AddColumn добавляет колонку, если её ещё нет.
type AddColumn struct {
	Table      string
	Column     string
	Definition string
}

// Apply добавляет колонку. Существующая колонка пропускается.
func (a AddColumn) Apply(ctx context.Context, tx *Tx) error {
	exists, err := ColumnExists(ctx, tx, a.Table, a.Column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(a.Table), quoteIdent(a.Column), a.Definition)
	_, err = tx.ExecContext(ctx, strings.TrimSpace(stmt))
	return err
}

func (a AddColumn) String() string { return fmt.Sprintf("add column %s.%s", a.Table, a.Column) }

// DropColumn удаляет колонку, если она есть.
type DropColumn struct {
	Table  string
	Column string
}

// Apply удаляет колонку. Отсутствующая колонка пропускается.
func (a DropColumn) Apply(ctx context.Context, tx *Tx) error {
	exists, err := ColumnExists(ctx, tx, a.Table, a.Column)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(a.Table), quoteIdent(a.Column)))
	return err
}

func (a DropColumn) String() string { return fmt.Sprintf("drop column %s.%s", a.Table, a.Column) }

// CreateIndex создаёт индекс, если индекса с таким именем ещё нет.
type CreateIndex struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// Apply создаёт индекс.
func (a CreateIndex) Apply(ctx context.Context, tx *Tx) error {
	if len(a.Columns) == 0 {
		return fmt.Errorf("%w: index %s has no columns", ErrInvalidOption, a.Name)
	}
	exists, err := IndexExists(ctx, tx, a.Name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	cols := make([]string, len(a.Columns))
	for i, c := range a.Columns {
		cols[i] = quoteIdent(c)
	}
	unique := ""
	if a.Unique {
		unique = "UNIQUE "
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteIdent(a.Name), quoteIdent(a.Table), strings.Join(cols, ", ")))
	return err
}

func (a CreateIndex) String() string { return "create index " + a.Name }

// Func - произвольное действие на Go (перенос данных и т.п.).
type Func func(ctx context.Context, tx *Tx) error

// Apply вызывает функцию.
func (f Func) Apply(ctx context.Context, tx *Tx) error { return f(ctx, tx) }

func (f Func) String() string { return "func" }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i]) + " ..."
	}
	return s
}

// MigratorOptions - настройки Migrator.
type MigratorOptions struct {
	// Table - таблица версии (по умолчанию schema_version)
	Table string
	// AdoptLegacy - при первом запуске взять версию из schema_migrations (golang-migrate),
	// если база мигрировалась им раньше и не помечена dirty
	AdoptLegacy bool
	// Logger - логгер (по умолчанию slog.Default())
	Logger *slog.Logger
}

// Migrator применяет шаги миграции к соединению.
type Migrator struct {
	table       string
	adoptLegacy bool
	log         *slog.Logger
}

// NewMigrator создаёт Migrator.
func NewMigrator(opts MigratorOptions) (*Migrator, error) {
	table := opts.Table
	if table == "" {
		table = DefaultVersionTable
	}
	if !schemaNameRe.MatchString(table) {
		return nil, fmt.Errorf("%w: version table name %q", ErrInvalidOption, table)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{
		table:       table,
		adoptLegacy: opts.AdoptLegacy,
		log:         log.With(slog.String("component", "migrator")),
	}, nil
}

// VersionRecord - содержимое таблицы версии.
type VersionRecord struct {
	Version   int64  `db:"version"`
	Name      string `db:"name"`
	AppliedAt string `db:"applied_at"`
}

// AppliedStep - шаг, применённый в ходе Run.
type AppliedStep struct {
	Version  int64
	Name     string
	Duration time.Duration
}

// MigrationReport - итог Run.
type MigrationReport struct {
	From    int64
	To      int64
	Applied []AppliedStep
	Skipped int
}

// Run применяет шаги с версией больше текущей, каждый в своей транзакции
// BEGIN IMMEDIATE вместе с обновлением версии.
//
// Список проверяется целиком до начала работы: версии должны строго возрастать
// (ErrOutOfOrderMigration, ничего не применяется). Сбой шага откатывает только
// этот шаг и прерывает Run с *MigrationError; уже применённые шаги остаются.
// Повторный Run с тем же списком ничего не делает.
func (m *Migrator) Run(ctx context.Context, conn *Conn, steps []Step) (MigrationReport, error) {
	var report MigrationReport

	if err := validateSteps(steps); err != nil {
		return report, err
	}
	if err := m.ensureTable(ctx, conn); err != nil {
		return report, err
	}

	current, err := m.Current(ctx, conn)
	if err != nil {
		return report, err
	}
	report.From = current.Version
	report.To = current.Version

	for _, step := range steps {
		if step.Version <= report.To {
			report.Skipped++
			continue
		}

		started := time.Now()
		applied, err := m.applyStep(ctx, conn, step)
		if err != nil {
			m.log.Error("migration failed",
				slog.Int64("version", step.Version),
				slog.String("name", step.Name),
				slog.Any("error", err),
			)
			return report, err
		}
		if !applied {
			// другой писатель успел применить шаг раньше нас
			report.Skipped++
			report.To = step.Version
			continue
		}

		report.To = step.Version
		report.Applied = append(report.Applied, AppliedStep{
			Version:  step.Version,
			Name:     step.Name,
			Duration: time.Since(started),
		})
		m.log.Info("migration applied",
			slog.Int64("version", step.Version),
			slog.String("name", step.Name),
			slog.Duration("duration", time.Since(started)),
		)
	}

	if len(report.Applied) == 0 {
		m.log.Debug("schema is up to date", slog.Int64("version", report.To))
	}
	return report, nil
}

func validateSteps(steps []Step) error {
	var prev int64
	for i, step := range steps {
		if step.Version <= prev {
			return fmt.Errorf("%w: step #%d has version %d after %d", ErrOutOfOrderMigration, i+1, step.Version, prev)
		}
		for j, a := range step.Actions {
			if a == nil {
				return fmt.Errorf("%w: step %d action #%d is nil", ErrInvalidOption, step.Version, j+1)
			}
		}
		prev = step.Version
	}
	return nil
}

// applyStep применяет один шаг. Возвращает false, если версия уже не ниже шага.
func (m *Migrator) applyStep(ctx context.Context, conn *Conn, step Step) (bool, error) {
	applied := false
	err := conn.WithinTx(ctx, TxLockImmediate, func(ctx context.Context, tx *Tx) error {
		// версию перечитываем под блокировкой записи
		current, err := m.Current(ctx, tx)
		if err != nil {
			return err
		}
		if current.Version >= step.Version {
			return nil
		}

		for i, action := range step.Actions {
			if err := action.Apply(ctx, tx); err != nil {
				return fmt.Errorf("action #%d (%s): %w", i+1, action, err)
			}
		}

		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET version = ?, name = ?, applied_at = ? WHERE id = 1", quoteIdent(m.table)),
			step.Version, step.Name, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
		if n != 1 {
			// без записи о версии шаг применялся бы при каждом запуске
			return fmt.Errorf("update schema version: %d rows in %s", n, m.table)
		}
		applied = true
		return nil
	})
	if err == nil {
		return applied, nil
	}

	var txErr *TxError
	if errors.As(err, &txErr) {
		return false, &MigrationError{Version: step.Version, Name: step.Name, Cause: err}
	}
	// Begin не удался (например, ErrBusy): шаг не начинался
	return false, shared.Wrapf(err, "migration %d", step.Version)
}

// ensureTable создаёт таблицу версии и её единственную строку, если чего-то нет.
// Таблица без строки (например, созданная вручную) дополняется строкой с версией 0.
func (m *Migrator) ensureTable(ctx context.Context, conn *Conn) error {
	exists, err := TableExists(ctx, conn, m.table)
	if err != nil {
		return err
	}
	if exists {
		var rows int
		err := conn.GetContext(ctx, &rows, fmt.Sprintf("SELECT count(*) FROM %s WHERE id = 1", quoteIdent(m.table)))
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if rows == 1 {
			return nil
		}
	}

	return conn.WithinTx(ctx, TxLockImmediate, func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`, quoteIdent(m.table)))
		if err != nil {
			return fmt.Errorf("create version table: %w", err)
		}

		var start VersionRecord
		if m.adoptLegacy {
			start, err = legacyVersion(ctx, tx)
			if err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("INSERT OR IGNORE INTO %s (id, version, name, applied_at) VALUES (1, ?, ?, ?)", quoteIdent(m.table)),
			start.Version, start.Name, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("init version table: %w", err)
		}
		if start.Version > 0 {
			m.log.Info("adopted legacy schema version", slog.Int64("version", start.Version))
		}
		return nil
	})
}

// legacyVersion читает версию golang-migrate. Dirty версия не принимается:
// такую базу должен разобрать оператор.
func legacyVersion(ctx context.Context, q Querier) (VersionRecord, error) {
	exists, err := TableExists(ctx, q, legacyVersionTable)
	if err != nil || !exists {
		return VersionRecord{}, err
	}

	var rows []struct {
		Version int64 `db:"version"`
		Dirty   bool  `db:"dirty"`
	}
	if err := q.SelectContext(ctx, &rows, "SELECT version, dirty FROM "+legacyVersionTable+" LIMIT 1"); err != nil {
		return VersionRecord{}, fmt.Errorf("read legacy version: %w", err)
	}
	if len(rows) == 0 {
		return VersionRecord{}, nil
	}
	if rows[0].Dirty {
		return VersionRecord{}, &MigrationError{Version: rows[0].Version, Name: legacyVersionTable, Cause: errors.New("legacy schema is dirty")}
	}
	return VersionRecord{Version: rows[0].Version, Name: legacyVersionTable}, nil
}

// Current возвращает запись о версии. Если таблицы ещё нет - нулевую запись.
func (m *Migrator) Current(ctx context.Context, q Querier) (VersionRecord, error) {
	var rows []VersionRecord
	err := q.SelectContext(ctx, &rows,
		fmt.Sprintf("SELECT version, name, applied_at FROM %s WHERE id = 1", quoteIdent(m.table)))
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return VersionRecord{}, nil
		}
		return VersionRecord{}, fmt.Errorf("read schema version: %w", err)
	}
	if len(rows) == 0 {
		return VersionRecord{}, nil
	}
	return rows[0], nil
}

// SchemaVersion возвращает текущую версию схемы из таблицы по умолчанию.
func SchemaVersion(ctx context.Context, q Querier) (int64, error) {
	m := &Migrator{table: DefaultVersionTable, log: slog.Default()}
	rec, err := m.Current(ctx, q)
	return rec.Version, err
}
