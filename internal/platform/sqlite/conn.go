package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // драйвер "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // драйвер "sqlite" (pure Go)
)

// Driver определяет используемый драйвер SQLite
type Driver string

const (
	// DriverModernc - pure Go драйвер modernc.org/sqlite (по умолчанию)
	DriverModernc Driver = "sqlite"
	// DriverMattn - cgo драйвер github.com/mattn/go-sqlite3
	DriverMattn Driver = "sqlite3"
)

// AccessMode определяет режим доступа к SQLite базе данных
type AccessMode string

const (
	// AccessModeReadOnly - режим только для чтения (дополнительно включает query_only)
	AccessModeReadOnly AccessMode = "ro"
	// AccessModeReadWrite - чтение и запись, файл должен существовать
	AccessModeReadWrite AccessMode = "rw"
	// AccessModeReadWriteCreate - чтение/запись с созданием файла (по умолчанию)
	AccessModeReadWriteCreate AccessMode = "rwc"
)

// MemoryTarget - цель для in-memory базы данных
const MemoryTarget = ":memory:"

// Options содержит настройки открытия соединения.
type Options struct {
	// Driver - драйвер SQLite
	Driver Driver
	// AccessMode - режим доступа к базе данных
	AccessMode AccessMode
	// BusyTimeout - сколько ждать занятую блокировку до ErrBusy
	BusyTimeout time.Duration
	// PingTimeout - таймаут проверки файла при открытии
	PingTimeout time.Duration
	// Pragmas - конфигурация, применяемая один раз при открытии
	Pragmas PragmaOptions
	// TypeMap - таблица преобразования типов этого соединения
	TypeMap TypeMap
	// IntegrityCheck - выполнить PRAGMA quick_check при открытии
	IntegrityCheck bool
	// SharedUnsafe отключает контроль владения. Вызывающий сам обеспечивает
	// взаимное исключение между горутинами.
	SharedUnsafe bool
	// Logger - логгер соединения (по умолчанию slog.Default())
	Logger *slog.Logger
}

// DefaultOptions возвращает настройки по умолчанию, оптимизированные для embedded использования.
func DefaultOptions() Options {
	return Options{
		Driver:      DriverModernc,
		AccessMode:  AccessModeReadWriteCreate,
		BusyTimeout: 5 * time.Second,
		PingTimeout: 5 * time.Second,
		Pragmas: PragmaOptions{
			OptForeignKeys: true,
			OptJournalMode: "wal",
			OptSynchronous: "normal",
		},
		TypeMap: DefaultTypeMap(),
	}
}

// Querier объединяет методы выполнения запросов, общие для соединения и транзакции.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Убедимся на этапе компиляции, что типы реализуют интерфейс
var (
	_ Querier = (*Conn)(nil)
	_ Querier = (*Tx)(nil)
)

// Conn - одно физическое соединение с хранилищем.
// Принадлежит одной горутине: одновременный вызов операций из другой горутины
// завершается ErrOwnershipViolation (если не включён SharedUnsafe).
type Conn struct {
	target  string
	opts    Options
	db      *sqlx.DB
	conn    *sqlx.Conn
	log     *slog.Logger
	types   TypeMap
	applied PragmaOptions

	inUse  atomic.Bool
	closed atomic.Bool

	mu     sync.Mutex
	failed error

	tx       *Tx
	attached map[string]string
}

// Open открывает соединение с target (путь к файлу или ":memory:") и
// применяет базовую конфигурацию. Любая проблема с целью возвращается как ErrOpen.
func Open(ctx context.Context, target string, opts Options) (*Conn, error) {
	opts = normalizeOptions(opts)
	log := opts.Logger.With(slog.String("component", "sqlite"), slog.String("target", target))

	if target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrOpen)
	}

	// Создаем директорию для БД если её нет
	if target != MemoryTarget && opts.AccessMode == AccessModeReadWriteCreate {
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create directory %s: %w", ErrOpen, dir, err)
			}
		}
	}

	db, err := sqlx.Open(string(opts.Driver), buildDSN(target, opts))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	// Соединение ровно одно: BEGIN/SAVEPOINT должны идти через один handle
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()

	conn, err := db.Connx(pingCtx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	c := &Conn{
		target:   target,
		opts:     opts,
		db:       db,
		conn:     conn,
		log:      log,
		types:    opts.TypeMap,
		applied:  PragmaOptions{},
		attached: map[string]string{},
	}

	if err := c.checkDatabase(pingCtx); err != nil {
		_ = c.release()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	pragmas := opts.Pragmas.clone()
	if opts.BusyTimeout > 0 {
		if _, ok := pragmas[OptBusyTimeoutMS]; !ok {
			pragmas[OptBusyTimeoutMS] = int(opts.BusyTimeout.Milliseconds())
		}
	}
	if opts.AccessMode == AccessModeReadOnly {
		pragmas[OptQueryOnly] = true
		// journal_mode меняет файл, в read-only режиме это невозможно
		delete(pragmas, OptJournalMode)
	}
	if err := ApplyPragmas(ctx, c, pragmas); err != nil {
		_ = c.release()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	log.Debug("connection opened",
		slog.String("driver", string(opts.Driver)),
		slog.String("mode", string(opts.AccessMode)),
	)
	return c, nil
}

func normalizeOptions(opts Options) Options {
	def := DefaultOptions()
	if opts.Driver == "" {
		opts.Driver = def.Driver
	}
	if opts.AccessMode == "" {
		opts.AccessMode = def.AccessMode
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = def.PingTimeout
	}
	if opts.TypeMap.isZero() {
		opts.TypeMap = def.TypeMap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// buildDSN строит DSN. Для файловых целей используется URI с явным режимом,
// остальные настройки применяются через PRAGMA после открытия.
func buildDSN(target string, opts Options) string {
	if target == MemoryTarget || strings.HasPrefix(target, "file:") {
		return target
	}
	return fmt.Sprintf("file:%s?mode=%s", target, opts.AccessMode)
}

// checkDatabase проверяет, что файл читается и является базой данных.
func (c *Conn) checkDatabase(ctx context.Context) error {
	var n int
	if err := c.conn.GetContext(ctx, &n, "SELECT count(*) FROM sqlite_master"); err != nil {
		return classify(err)
	}
	if !c.opts.IntegrityCheck {
		return nil
	}

	var result string
	if err := c.conn.GetContext(ctx, &result, "PRAGMA quick_check"); err != nil {
		return classify(err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Target возвращает путь или URI, с которым было открыто соединение.
func (c *Conn) Target() string { return c.target }

// Driver возвращает драйвер соединения.
func (c *Conn) Driver() Driver { return c.opts.Driver }

// Mode возвращает режим доступа.
func (c *Conn) Mode() AccessMode { return c.opts.AccessMode }

// TypeMap возвращает таблицу преобразования типов соединения.
func (c *Conn) TypeMap() TypeMap { return c.types }

// AppliedPragmas возвращает копию применённой конфигурации.
func (c *Conn) AppliedPragmas() PragmaOptions { return c.applied.clone() }

// ForeignKeys сообщает, включена ли проверка внешних ключей.
func (c *Conn) ForeignKeys() bool {
	v, _ := c.applied[OptForeignKeys].(bool)
	return v
}

// TxDepth возвращает глубину транзакции: 0 или 1.
func (c *Conn) TxDepth() int {
	if c.tx != nil {
		return 1
	}
	return 0
}

// acquire захватывает соединение на время одной операции.
func (c *Conn) acquire() (func(), error) {
	if c.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if err := c.failure(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnUnusable, err)
	}
	if c.opts.SharedUnsafe {
		return func() {}, nil
	}
	if !c.inUse.CompareAndSwap(false, true) {
		return nil, ErrOwnershipViolation
	}
	return func() { c.inUse.Store(false) }, nil
}

func (c *Conn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// fail помечает соединение непригодным: дальше разрешён только Close.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	c.mu.Unlock()
	c.log.Error("connection marked unusable", slog.Any("error", err))
}

// Close закрывает соединение. Активная транзакция откатывается.
// Повторный вызов возвращает ErrAlreadyClosed.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if !c.opts.SharedUnsafe && !c.inUse.CompareAndSwap(false, true) {
		return ErrOwnershipViolation
	}
	if !c.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	var rollbackErr error
	if c.tx != nil && c.failure() == nil {
		if _, err := c.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
			rollbackErr = fmt.Errorf("rollback on close: %w", err)
		}
		c.tx.finish(TxRolledBack)
	}

	err := errors.Join(rollbackErr, c.release())
	c.log.Debug("connection closed")
	return err
}

func (c *Conn) release() error {
	return errors.Join(c.conn.Close(), c.db.Close())
}

// Ping проверяет, что соединение живо.
func (c *Conn) Ping(ctx context.Context) error {
	done, err := c.acquire()
	if err != nil {
		return err
	}
	defer done()
	return c.conn.PingContext(ctx)
}

// ExecContext выполняет команду. Аргументы проходят через TypeMap.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	done, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer done()
	return c.exec(ctx, query, args...)
}

// QueryContext выполняет запрос. Rows нужно закрыть до следующей операции.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	done, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer done()
	return c.query(ctx, query, args...)
}

// GetContext читает одну строку в dest (sqlx семантика).
func (c *Conn) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	done, err := c.acquire()
	if err != nil {
		return err
	}
	defer done()
	return c.get(ctx, dest, query, args...)
}

// SelectContext читает все строки в срез dest (sqlx семантика).
func (c *Conn) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	done, err := c.acquire()
	if err != nil {
		return err
	}
	defer done()
	return c.selectRows(ctx, dest, query, args...)
}

// QueryMaps читает строки в map'ы, применяя конвертеры TypeMap по объявленному типу колонки.
func (c *Conn) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	done, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer done()
	return c.queryMaps(ctx, query, args...)
}

func (c *Conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	adapted, err := c.types.adaptArgs(args)
	if err != nil {
		return nil, err
	}
	res, err := c.conn.ExecContext(ctx, query, adapted...)
	return res, classify(err)
}

func (c *Conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	adapted, err := c.types.adaptArgs(args)
	if err != nil {
		return nil, err
	}
	rows, err := c.conn.QueryContext(ctx, query, adapted...)
	return rows, classify(err)
}

func (c *Conn) get(ctx context.Context, dest any, query string, args ...any) error {
	adapted, err := c.types.adaptArgs(args)
	if err != nil {
		return err
	}
	return classify(c.conn.GetContext(ctx, dest, query, adapted...))
}

func (c *Conn) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	adapted, err := c.types.adaptArgs(args)
	if err != nil {
		return err
	}
	return classify(c.conn.SelectContext(ctx, dest, query, adapted...))
}

func (c *Conn) queryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(types))
		for i, ct := range types {
			v, err := c.types.convert(ct.DatabaseTypeName(), values[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", ct.Name(), err)
			}
			row[ct.Name()] = v
		}
		out = append(out, row)
	}
	return out, classify(rows.Err())
}

var schemaNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Attach подключает дополнительный файл под именем schema.
// Недоступно внутри транзакции.
func (c *Conn) Attach(ctx context.Context, path, schema string) error {
	done, err := c.acquire()
	if err != nil {
		return err
	}
	defer done()

	if c.tx != nil {
		return fmt.Errorf("attach %s: %w", schema, ErrAlreadyActive)
	}
	if !schemaNameRe.MatchString(schema) || strings.EqualFold(schema, "main") || strings.EqualFold(schema, "temp") {
		return fmt.Errorf("%w: schema name %q", ErrInvalidOption, schema)
	}
	if _, ok := c.attached[schema]; ok {
		return fmt.Errorf("%w: schema %q already attached", ErrInvalidOption, schema)
	}

	if _, err := c.exec(ctx, "ATTACH DATABASE ? AS "+quoteIdent(schema), path); err != nil {
		return fmt.Errorf("attach %s: %w", schema, err)
	}
	c.attached[schema] = path
	c.log.Debug("database attached", slog.String("schema", schema), slog.String("path", path))
	return nil
}

// Detach отключает ранее подключённую схему.
func (c *Conn) Detach(ctx context.Context, schema string) error {
	done, err := c.acquire()
	if err != nil {
		return err
	}
	defer done()

	if c.tx != nil {
		return fmt.Errorf("detach %s: %w", schema, ErrAlreadyActive)
	}
	if _, ok := c.attached[schema]; !ok {
		return fmt.Errorf("%w: schema %q is not attached", ErrInvalidOption, schema)
	}
	if _, err := c.exec(ctx, "DETACH DATABASE "+quoteIdent(schema)); err != nil {
		return fmt.Errorf("detach %s: %w", schema, err)
	}
	delete(c.attached, schema)
	return nil
}

// Attached возвращает подключённые схемы и пути к их файлам.
func (c *Conn) Attached() map[string]string {
	out := make(map[string]string, len(c.attached))
	for k, v := range c.attached {
		out[k] = v
	}
	return out
}

// quoteIdent экранирует идентификатор SQL двойными кавычками.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
