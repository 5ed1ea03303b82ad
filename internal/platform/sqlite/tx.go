package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// txKey используется как ключ для хранения транзакции в context.Context
type txKey struct{}

// TxLockMode определяет режим блокировки транзакций SQLite
type TxLockMode string

const (
	// TxLockDeferred - откладывает блокировку до первого чтения/записи (по умолчанию SQLite)
	TxLockDeferred TxLockMode = "DEFERRED"
	// TxLockImmediate - сразу захватывает блокировку записи
	TxLockImmediate TxLockMode = "IMMEDIATE"
	// TxLockExclusive - захватывает блокировку записи и не пускает новых читателей
	TxLockExclusive TxLockMode = "EXCLUSIVE"
)

func (m TxLockMode) valid() bool {
	switch m {
	case TxLockDeferred, TxLockImmediate, TxLockExclusive:
		return true
	default:
		return false
	}
}

// TxState - состояние транзакции
type TxState int

const (
	// TxNone - транзакция ещё не начата
	TxNone TxState = iota
	// TxActive - транзакция открыта
	TxActive
	// TxCommitted - транзакция зафиксирована
	TxCommitted
	// TxRolledBack - транзакция откачена
	TxRolledBack
)

// String возвращает строковое представление состояния.
func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return "none"
	}
}

// Tx - внешняя единица работы на соединении. На одном Conn одновременно
// может быть не больше одной активной Tx; вложенность выражается только через Savepoint.
type Tx struct {
	conn       *Conn
	mode       TxLockMode
	state      TxState
	savepoints []*Savepoint
	startedAt  time.Time
}

// Begin открывает транзакцию в указанном режиме блокировки.
// ErrAlreadyActive - если на соединении уже есть активная транзакция,
// ErrBusy - если блокировку не удалось получить за busy timeout.
func (c *Conn) Begin(ctx context.Context, mode TxLockMode) (*Tx, error) {
	done, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer done()

	if mode == "" {
		mode = TxLockDeferred
	}
	if !mode.valid() {
		return nil, fmt.Errorf("%w: lock mode %q", ErrInvalidOption, mode)
	}
	if c.tx != nil {
		return nil, ErrAlreadyActive
	}

	if _, err := c.conn.ExecContext(ctx, "BEGIN "+string(mode)); err != nil {
		return nil, fmt.Errorf("begin %s: %w", mode, classify(err))
	}

	tx := &Tx{conn: c, mode: mode, state: TxActive, startedAt: time.Now()}
	c.tx = tx
	c.log.Debug("transaction started", slog.String("mode", string(mode)))
	return tx, nil
}

// Tx возвращает активную транзакцию соединения или nil.
func (c *Conn) Tx() *Tx { return c.tx }

// Mode возвращает режим блокировки транзакции.
func (t *Tx) Mode() TxLockMode { return t.mode }

// State возвращает состояние транзакции.
func (t *Tx) State() TxState { return t.state }

// Conn возвращает соединение транзакции.
func (t *Tx) Conn() *Conn { return t.conn }

// Depth возвращает число открытых savepoint'ов.
func (t *Tx) Depth() int { return len(t.savepoints) }

// Commit фиксирует все изменения.
// При ErrBusy транзакция остаётся активной: вызывающий решает, повторить Commit или откатить.
// Любая другая ошибка приводит к откату и возвращается как *TxError.
func (t *Tx) Commit(ctx context.Context) error {
	done, err := t.conn.acquire()
	if err != nil {
		return err
	}
	defer done()

	if t.state != TxActive {
		return fmt.Errorf("commit: %w", ErrNoActiveTransaction)
	}

	if _, err := t.conn.conn.ExecContext(ctx, "COMMIT"); err != nil {
		err = classify(err)
		if IsBusy(err) {
			t.conn.log.Warn("commit blocked by concurrent access", slog.Any("error", err))
			return fmt.Errorf("commit: %w", err)
		}
		return &TxError{Op: "commit", Err: err, RollbackErr: t.rollbackLocked(ctx)}
	}

	t.finish(TxCommitted)
	t.conn.log.Debug("transaction committed", slog.Duration("duration", time.Since(t.startedAt)))
	return nil
}

// Rollback отменяет все изменения с момента Begin.
// Ошибка возможна только если соединение сломано; тогда оно помечается непригодным.
func (t *Tx) Rollback(ctx context.Context) error {
	done, err := t.conn.acquire()
	if err != nil {
		return err
	}
	defer done()

	if t.state != TxActive {
		return fmt.Errorf("rollback: %w", ErrNoActiveTransaction)
	}
	if err := t.rollbackLocked(ctx); err != nil {
		return &TxError{Op: "rollback", Err: errExplicitRollback, RollbackErr: err}
	}
	return nil
}

var errExplicitRollback = errors.New("explicit rollback")

// rollbackLocked выполняет ROLLBACK; соединение уже захвачено.
func (t *Tx) rollbackLocked(ctx context.Context) error {
	// Откат не должен зависеть от отмены контекста вызывающего
	rbCtx := context.WithoutCancel(ctx)
	_, err := t.conn.conn.ExecContext(rbCtx, "ROLLBACK")
	t.finish(TxRolledBack)
	// Движок мог уже откатить транзакцию сам (например, после SQLITE_FULL)
	if err != nil && !strings.Contains(err.Error(), "no transaction is active") {
		err = fmt.Errorf("%w: rollback failed: %w", ErrConnUnusable, err)
		t.conn.fail(err)
		return err
	}
	t.conn.log.Debug("transaction rolled back", slog.Duration("duration", time.Since(t.startedAt)))
	return nil
}

// finish завершает транзакцию и инвалидирует все её savepoint'ы.
func (t *Tx) finish(state TxState) {
	t.state = state
	t.savepoints = nil
	if t.conn.tx == t {
		t.conn.tx = nil
	}
}

func (t *Tx) acquireActive(op string) (func(), error) {
	done, err := t.conn.acquire()
	if err != nil {
		return nil, err
	}
	if t.state != TxActive {
		done()
		return nil, fmt.Errorf("%s: %w", op, ErrNoActiveTransaction)
	}
	return done, nil
}

// ExecContext выполняет команду внутри транзакции.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	done, err := t.acquireActive("exec")
	if err != nil {
		return nil, err
	}
	defer done()
	return t.conn.exec(ctx, query, args...)
}

// QueryContext выполняет запрос внутри транзакции.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	done, err := t.acquireActive("query")
	if err != nil {
		return nil, err
	}
	defer done()
	return t.conn.query(ctx, query, args...)
}

// GetContext читает одну строку внутри транзакции.
func (t *Tx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	done, err := t.acquireActive("get")
	if err != nil {
		return err
	}
	defer done()
	return t.conn.get(ctx, dest, query, args...)
}

// SelectContext читает строки внутри транзакции.
func (t *Tx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	done, err := t.acquireActive("select")
	if err != nil {
		return err
	}
	defer done()
	return t.conn.selectRows(ctx, dest, query, args...)
}

// WithinTx выполняет fn внутри транзакции.
// Если fn возвращает ошибку или паникует, транзакция откатывается (паника пробрасывается дальше).
// Если fn выполняется успешно, транзакция коммитится.
// Транзакция доступна внутри fn через аргумент и через TxFromContext(ctx).
// Ошибки fn возвращаются как *TxError с известным Outcome.
func (c *Conn) WithinTx(ctx context.Context, mode TxLockMode, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := c.Begin(ctx, mode)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed || tx.state != TxActive {
			return
		}
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if fnErr := fn(txCtx, tx); fnErr != nil {
		if tx.state != TxActive {
			// fn сама завершила транзакцию
			return fnErr
		}
		return &TxError{Op: "transaction", Err: fnErr, RollbackErr: unwrapRollback(tx.Rollback(ctx))}
	}

	if tx.state != TxActive {
		committed = true
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		if IsBusy(err) && tx.state == TxActive {
			// Вызывающий не получает висящую транзакцию: откатываем и сообщаем ErrBusy
			return &TxError{Op: "commit", Err: err, RollbackErr: unwrapRollback(tx.Rollback(ctx))}
		}
		return err
	}
	committed = true
	return nil
}

// unwrapRollback превращает ошибку Rollback в причину отката для TxError.
func unwrapRollback(err error) error {
	if err == nil {
		return nil
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.RollbackErr
	}
	return err
}

// TxFromContext извлекает транзакцию, открытую WithinTx.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	if !ok || tx.state != TxActive {
		return nil, false
	}
	return tx, true
}

// GetQuerier возвращает активную транзакцию из контекста, иначе само соединение.
func (c *Conn) GetQuerier(ctx context.Context) Querier {
	if tx, ok := TxFromContext(ctx); ok && tx.conn == c {
		return tx
	}
	return c
}
