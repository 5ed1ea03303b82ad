// Package sqlite координирует транзакции, конкуренцию и миграции схемы поверх
// встроенной SQLite с моделью "один писатель, много читателей".
//
// Основные возможности:
// - Conn: одно физическое соединение, принадлежащее одной горутине
// - Декларативная конфигурация PRAGMA, применяемая при открытии
// - Явные транзакции (DEFERRED / IMMEDIATE / EXCLUSIVE) и scoped-хелпер WithinTx
// - Стек savepoint'ов со строгой LIFO дисциплиной
// - Версионированные миграции: каждый шаг атомарен, повторный запуск ничего не делает
// - Онлайн backup пачками страниц с паузами для конкурирующих писателей
// - Драйверы modernc.org/sqlite (по умолчанию) и github.com/mattn/go-sqlite3
//
// # Быстрый старт
//
//	ctx := context.Background()
//	conn, err := sqlite.Open(ctx, "app.db", sqlite.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer conn.Close(ctx)
//
// # Транзакции
//
// На соединении не больше одной активной транзакции; повторный Begin
// возвращает ErrAlreadyActive. WithinTx откатывает транзакцию при ошибке
// или панике и коммитит при успехе:
//
//	err = conn.WithinTx(ctx, sqlite.TxLockImmediate, func(ctx context.Context, tx *sqlite.Tx) error {
//		_, err := tx.ExecContext(ctx, "INSERT INTO users (name) VALUES (?)", "John")
//		return err
//	})
//
// Ошибка завершившейся неудачно транзакции - *TxError. Его Outcome различает
// "ничего не изменилось" и "состояние неизвестно" (откат не удался, соединение
// нужно закрыть).
//
// # Savepoints
//
// Вложенность выражается только через savepoint'ы:
//
//	err = tx.WithinSavepoint(ctx, "import", func(ctx context.Context, sp *sqlite.Savepoint) error {
//		// изменения можно отменить независимо от внешней транзакции
//		return nil
//	})
//
// Release допустим только для вершины стека. RollbackTo снимает со стека всех
// потомков; их handle'ы после этого возвращают ErrNotTopOfStack.
//
// # Миграции
//
//	steps, err := sqlite.StepsFromFS(migrations.FS, ".")
//	m, _ := sqlite.NewMigrator(sqlite.MigratorOptions{})
//	report, err := m.Run(ctx, conn, steps)
//
// # Конкуренция
//
// Соединение нельзя использовать из двух горутин одновременно: вторая получит
// ErrOwnershipViolation (Options.SharedUnsafe отключает проверку). Для
// параллельной работы каждая горутина открывает своё соединение. Ожидание
// блокировки ограничено busy timeout, после чего возвращается ErrBusy;
// повтор включается явно через RetryOnBusy или WithinTxRetry.
//
// # Тестирование
//
//	func TestSomething(t *testing.T) {
//		db := sqlite.NewTestDBInMemory(t)
//		db.MustSeedData(t, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
//	}
package sqlite
