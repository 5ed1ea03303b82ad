package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Savepoint - именованная вложенная точка сохранения внутри активной транзакции.
// Handle хранит свой индекс в стеке: операция допустима, только если по этому
// индексу в стеке всё ещё лежит тот же savepoint.
type Savepoint struct {
	tx    *Tx
	name  string
	index int
}

// Name возвращает имя savepoint.
func (sp *Savepoint) Name() string { return sp.name }

// Index возвращает позицию в стеке (0 - самый внешний).
func (sp *Savepoint) Index() int { return sp.index }

// Savepoint создаёт savepoint на вершине стека транзакции.
func (t *Tx) Savepoint(ctx context.Context, name string) (*Savepoint, error) {
	done, err := t.conn.acquire()
	if err != nil {
		return nil, err
	}
	defer done()

	if t.state != TxActive {
		return nil, fmt.Errorf("savepoint %q: %w", name, ErrNoActiveTransaction)
	}
	if !schemaNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: savepoint name %q", ErrInvalidOption, name)
	}
	for _, open := range t.savepoints {
		if strings.EqualFold(open.name, name) {
			return nil, fmt.Errorf("savepoint %q: %w", name, ErrDuplicateSavepointName)
		}
	}

	if _, err := t.conn.conn.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return nil, fmt.Errorf("failed to create savepoint %s: %w", name, classify(err))
	}

	sp := &Savepoint{tx: t, name: name, index: len(t.savepoints)}
	t.savepoints = append(t.savepoints, sp)
	return sp, nil
}

// Savepoints возвращает имена открытых savepoint'ов от внешнего к внутреннему.
func (t *Tx) Savepoints() []string {
	names := make([]string, len(t.savepoints))
	for i, sp := range t.savepoints {
		names[i] = sp.name
	}
	return names
}

// open проверяет, что savepoint всё ещё в стеке своей активной транзакции.
func (sp *Savepoint) open() error {
	if sp.tx.state != TxActive {
		return ErrNoActiveTransaction
	}
	stack := sp.tx.savepoints
	if sp.index >= len(stack) || stack[sp.index] != sp {
		return ErrNotTopOfStack
	}
	return nil
}

// Release вливает изменения savepoint в родителя и снимает его со стека.
// Допустим только для вершины стека: если открыт потомок или savepoint уже
// снят, возвращается ErrNotTopOfStack.
func (sp *Savepoint) Release(ctx context.Context) error {
	tx := sp.tx
	done, err := tx.conn.acquire()
	if err != nil {
		return err
	}
	defer done()

	if err := sp.open(); err != nil {
		return fmt.Errorf("release %q: %w", sp.name, err)
	}
	if sp.index != len(tx.savepoints)-1 {
		return fmt.Errorf("release %q: %w", sp.name, ErrNotTopOfStack)
	}

	if _, err := tx.conn.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+quoteIdent(sp.name)); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", sp.name, classify(err))
	}
	tx.truncate(sp.index)
	return nil
}

// RollbackTo отменяет все изменения с момента создания savepoint и снимает
// со стека всех его потомков. Сам savepoint остаётся открытым.
func (sp *Savepoint) RollbackTo(ctx context.Context) error {
	tx := sp.tx
	done, err := tx.conn.acquire()
	if err != nil {
		return err
	}
	defer done()

	if err := sp.open(); err != nil {
		return fmt.Errorf("rollback to %q: %w", sp.name, err)
	}

	if _, err := tx.conn.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(sp.name)); err != nil {
		return fmt.Errorf("failed to rollback to savepoint %s: %w", sp.name, classify(err))
	}
	tx.truncate(sp.index + 1)
	return nil
}

// truncate снимает со стека все savepoint'ы начиная с индекса from.
// Снятые handle'ы дальше получают ErrNotTopOfStack.
func (t *Tx) truncate(from int) {
	clear(t.savepoints[from:])
	t.savepoints = t.savepoints[:from]
}

// WithinSavepoint выполняет fn внутри savepoint.
// При ошибке или панике откатывается к savepoint и освобождает его,
// при успехе - освобождает. Пустое имя заменяется сгенерированным.
func (t *Tx) WithinSavepoint(ctx context.Context, name string, fn func(ctx context.Context, sp *Savepoint) error) (err error) {
	if name == "" {
		name = "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	sp, err := t.Savepoint(ctx, name)
	if err != nil {
		return err
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if sp.open() == nil {
			_ = sp.RollbackTo(ctx)
			_ = sp.Release(ctx)
		}
		panic(r)
	}()

	if fnErr := fn(ctx, sp); fnErr != nil {
		if sp.open() != nil {
			// savepoint уже снят (fn откатила внешний уровень или завершила транзакцию)
			return fnErr
		}
		if rbErr := sp.RollbackTo(ctx); rbErr != nil {
			// Если не удалось откатиться к savepoint, возвращаем обе ошибки
			return fmt.Errorf("failed to rollback to savepoint %s: %v (original error: %w)", name, rbErr, fnErr)
		}
		if relErr := sp.Release(ctx); relErr != nil {
			t.conn.log.Warn("release after rollback failed", slog.String("savepoint", name), slog.Any("error", relErr))
		}
		return fnErr
	}

	if sp.open() != nil {
		return nil
	}
	return sp.Release(ctx)
}
