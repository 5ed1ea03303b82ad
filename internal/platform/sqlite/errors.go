package sqlite

import (
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"litecoord/internal/shared"
)

// Ошибки слоя координации. Каждая относится к одному классу из shared,
// поэтому их можно проверять и точно (errors.Is), и по классу (shared.KindOf).
var (
	// ErrOpen - цель недоступна, заблокирована несовместимым режимом или повреждена
	ErrOpen = shared.MarkKind(errors.New("open failed"), shared.KindUnavailable)
	// ErrAlreadyClosed - повторный Close или работа с закрытым соединением
	ErrAlreadyClosed = shared.MarkKind(errors.New("connection already closed"), shared.KindClosed)
	// ErrConnUnusable - соединение осталось в неизвестном состоянии и должно быть закрыто
	ErrConnUnusable = shared.MarkKind(errors.New("connection is unusable"), shared.KindClosed)
	// ErrOwnershipViolation - соединение используется из другой горутины одновременно с владельцем
	ErrOwnershipViolation = shared.MarkKind(errors.New("connection used outside its owner"), shared.KindInvariantViolated)

	// ErrAlreadyActive - на соединении уже есть активная транзакция
	ErrAlreadyActive = shared.MarkKind(errors.New("transaction already active"), shared.KindProtocol)
	// ErrNoActiveTransaction - операция требует активной транзакции
	ErrNoActiveTransaction = shared.MarkKind(errors.New("no active transaction"), shared.KindProtocol)
	// ErrNotTopOfStack - savepoint не на вершине стека или уже снят с него
	ErrNotTopOfStack = shared.MarkKind(errors.New("savepoint is not top of stack"), shared.KindProtocol)
	// ErrDuplicateSavepointName - имя уже занято открытым savepoint той же транзакции
	ErrDuplicateSavepointName = shared.MarkKind(errors.New("duplicate savepoint name"), shared.KindProtocol)

	// ErrUnknownOption - неизвестный ключ конфигурации PRAGMA
	ErrUnknownOption = shared.MarkKind(errors.New("unknown option"), shared.KindValidation)
	// ErrInvalidOption - недопустимое значение опции или идентификатора
	ErrInvalidOption = shared.MarkKind(errors.New("invalid option value"), shared.KindValidation)
	// ErrOutOfOrderMigration - версии шагов миграции не возрастают строго
	ErrOutOfOrderMigration = shared.MarkKind(errors.New("migration out of order"), shared.KindValidation)

	// ErrBusy - блокировка записи занята конкурентом дольше busy timeout
	ErrBusy = shared.MarkKind(errors.New("database is busy"), shared.KindBusy)
	// ErrMigrationFailed - шаг миграции не применился, нужен оператор
	ErrMigrationFailed = shared.MarkKind(errors.New("migration failed"), shared.KindInternal)
	// ErrBackupInterrupted - резервное копирование прервано, повторять с нуля
	ErrBackupInterrupted = shared.MarkKind(errors.New("backup interrupted"), shared.KindUnavailable)
)

// Outcome описывает, что известно о состоянии данных после неудачной транзакции.
type Outcome int

const (
	// OutcomeRolledBack - откат прошёл, ничего не изменилось
	OutcomeRolledBack Outcome = iota
	// OutcomeUnknown - откат не удался, соединение нужно закрыть
	OutcomeUnknown
)

// String возвращает строковое представление Outcome.
func (o Outcome) String() string {
	if o == OutcomeUnknown {
		return "unknown"
	}
	return "rolled back"
}

// TxError возвращается, когда транзакция завершилась неудачно.
// Err - исходная причина, RollbackErr - ошибка отката (если он не удался).
type TxError struct {
	Op          string
	Err         error
	RollbackErr error
}

func (e *TxError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("%s: %v (rollback failed: %v)", e.Op, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap отдаёт обе причины, чтобы errors.Is видел и исходную ошибку, и ErrConnUnusable.
func (e *TxError) Unwrap() []error {
	if e.RollbackErr != nil {
		return []error{e.Err, e.RollbackErr}
	}
	return []error{e.Err}
}

// Outcome сообщает, откатились ли изменения.
func (e *TxError) Outcome() Outcome {
	if e.RollbackErr != nil {
		return OutcomeUnknown
	}
	return OutcomeRolledBack
}

// StateUnknown возвращает true, если состояние данных неизвестно.
func (e *TxError) StateUnknown() bool {
	return e.Outcome() == OutcomeUnknown
}

// MigrationError описывает сбой конкретного шага миграции.
type MigrationError struct {
	Version int64
	Name    string
	Cause   error
}

func (e *MigrationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Cause)
	}
	return fmt.Sprintf("migration %d failed: %v", e.Version, e.Cause)
}

func (e *MigrationError) Unwrap() error { return e.Cause }

// Is позволяет проверять errors.Is(err, ErrMigrationFailed).
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigrationFailed || target == shared.ErrInternal
}

// IsBusy проверяет, является ли ошибка SQLITE_BUSY / SQLITE_LOCKED.
// Учитывает коды обоих драйверов и, на крайний случай, текст ошибки.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}

	if busy, ok := mattnBusy(err); ok {
		return busy
	}

	var modernErr *msqlite.Error
	if errors.As(err, &modernErr) {
		code := modernErr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database table is locked")
}

// classify приводит ошибку движка к таксономии: busy становится ErrBusy,
// остальное возвращается как есть.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrBusy) {
		return err
	}
	if IsBusy(err) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}
