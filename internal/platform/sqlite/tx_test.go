package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litecoord/internal/shared"
	"litecoord/pkg/retry"
)

func newItemsDB(t *testing.T) *TestDB {
	t.Helper()
	db := NewTestDBFile(t)
	db.Exec(t, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	return db
}

func TestTx_BeginCommit(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	tx, err := db.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	assert.Equal(t, TxActive, tx.State())
	assert.Equal(t, TxLockImmediate, tx.Mode())
	assert.Equal(t, 1, db.TxDepth())
	assert.Same(t, tx, db.Tx())

	_, err = tx.ExecContext(ctx, "INSERT INTO items (name) VALUES (?)", "a")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, TxCommitted, tx.State())
	assert.Equal(t, 0, db.TxDepth())
	assert.Nil(t, db.Tx())
	assert.Equal(t, 1, db.CountRows(t, "items"))
}

func TestTx_DefaultModeIsDeferred(t *testing.T) {
	ctx := context.Background()
	db := NewTestDBInMemory(t)

	tx, err := db.Begin(ctx, "")
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	assert.Equal(t, TxLockDeferred, tx.Mode())
}

func TestTx_InvalidMode(t *testing.T) {
	db := NewTestDBInMemory(t)

	_, err := db.Begin(context.Background(), "CONCURRENT")
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Equal(t, 0, db.TxDepth())
}

func TestTx_SecondBeginFails(t *testing.T) {
	ctx := context.Background()
	db := NewTestDBInMemory(t)

	for _, mode := range []TxLockMode{TxLockDeferred, TxLockImmediate, TxLockExclusive} {
		tx, err := db.Begin(ctx, mode)
		require.NoError(t, err)

		for _, second := range []TxLockMode{TxLockDeferred, TxLockImmediate, TxLockExclusive} {
			_, err := db.Begin(ctx, second)
			assert.ErrorIs(t, err, ErrAlreadyActive)
			assert.True(t, shared.IsProtocol(err))
		}
		assert.Same(t, tx, db.Tx())
		require.NoError(t, tx.Rollback(ctx))
	}
}

func TestTx_FinishedTransactionRejectsWork(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	tx, err := db.Begin(ctx, TxLockDeferred)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.ErrorIs(t, tx.Commit(ctx), ErrNoActiveTransaction)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrNoActiveTransaction)
	_, err = tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('late')")
	assert.ErrorIs(t, err, ErrNoActiveTransaction)
	assert.Equal(t, 0, db.CountRows(t, "items"))
}

func TestTx_Rollback(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	tx, err := db.Begin(ctx, TxLockDeferred)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')")
	require.NoError(t, err)

	var inside int
	require.NoError(t, tx.GetContext(ctx, &inside, "SELECT count(*) FROM items"))
	assert.Equal(t, 1, inside)

	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, TxRolledBack, tx.State())
	assert.Equal(t, 0, db.CountRows(t, "items"))
}

func TestWithinTx_Commit(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	err := db.WithinTx(ctx, TxLockImmediate, func(ctx context.Context, tx *Tx) error {
		fromCtx, ok := TxFromContext(ctx)
		assert.True(t, ok)
		assert.Same(t, tx, fromCtx)
		assert.Same(t, tx, db.GetQuerier(ctx))

		_, err := db.GetQuerier(ctx).ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, db.CountRows(t, "items"))
	assert.Same(t, db.Conn, db.GetQuerier(ctx))
}

func TestWithinTx_ErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)
	boom := errors.New("boom")

	err := db.WithinTx(ctx, TxLockDeferred, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')"); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, OutcomeRolledBack, txErr.Outcome())
	assert.False(t, txErr.StateUnknown())

	assert.Equal(t, 0, db.CountRows(t, "items"))
	assert.Equal(t, 0, db.TxDepth())
}

func TestWithinTx_EngineErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	err := db.WithinTx(ctx, TxLockDeferred, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')"); err != nil {
			return err
		}
		// NOT NULL
		_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES (NULL)")
		return err
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT NULL")
	assert.Equal(t, 0, db.CountRows(t, "items"))
}

func TestWithinTx_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = db.WithinTx(ctx, TxLockDeferred, func(ctx context.Context, tx *Tx) error {
			_, _ = tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')")
			panic("kaboom")
		})
	})

	assert.Equal(t, 0, db.TxDepth())
	assert.Equal(t, 0, db.CountRows(t, "items"))

	// соединение пригодно для следующей транзакции
	db.WithTx(t, func(ctx context.Context, tx *Tx) error { return nil })
}

func TestWithinTx_FnFinishesTransactionItself(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	err := db.WithinTx(ctx, TxLockDeferred, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('a')"); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.CountRows(t, "items"))
}

func TestWithinTx_NestedBeginIsRejected(t *testing.T) {
	ctx := context.Background()
	db := newItemsDB(t)

	err := db.WithinTx(ctx, TxLockDeferred, func(ctx context.Context, tx *Tx) error {
		return db.WithinTx(ctx, TxLockDeferred, func(context.Context, *Tx) error { return nil })
	})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, 0, db.TxDepth())
}

func TestTx_ImmediateWaitsForOtherWriter(t *testing.T) {
	ctx := context.Background()
	a := newItemsDB(t)
	b := a.OpenTestDB(t)

	txA, err := a.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	_, err = txA.ExecContext(ctx, "INSERT INTO items (name) VALUES ('from a')")
	require.NoError(t, err)

	begun := make(chan error, 1)
	go func() {
		err := b.WithinTx(ctx, TxLockImmediate, func(ctx context.Context, tx *Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('from b')")
			return err
		})
		begun <- err
	}()

	select {
	case err := <-begun:
		t.Fatalf("second writer must wait, got %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, txA.Commit(ctx))

	select {
	case err := <-begun:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second writer did not proceed after commit")
	}
	assert.Equal(t, 2, a.CountRows(t, "items"))
}

func TestTx_ReadersDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	a := newItemsDB(t)
	a.Exec(t, "INSERT INTO items (name) VALUES ('x')")
	b := a.OpenTestDB(t)

	txA, err := a.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	defer txA.Rollback(ctx)

	// WAL: читатель не ждёт писателя
	assert.Equal(t, 1, b.CountRows(t, "items"))

	txB, err := b.Begin(ctx, TxLockDeferred)
	require.NoError(t, err)
	var n int
	require.NoError(t, txB.GetContext(ctx, &n, "SELECT count(*) FROM items"))
	assert.Equal(t, 1, n)
	require.NoError(t, txB.Commit(ctx))
}

func TestTx_BusyTimeout(t *testing.T) {
	ctx := context.Background()
	a := newItemsDB(t)
	b := a.OpenTestDB(t, func(o *Options) { o.BusyTimeout = 50 * time.Millisecond })

	txA, err := a.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	defer txA.Rollback(ctx)

	started := time.Now()
	_, err = b.Begin(ctx, TxLockImmediate)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)

	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsBusy(err))
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, 0, b.TxDepth())
}

// rollbackJournal: в этом режиме читатель не даёт писателю завершить COMMIT.
func rollbackJournal(o *Options) {
	o.Pragmas = o.Pragmas.Merge(PragmaOptions{OptJournalMode: "rollback"})
	o.BusyTimeout = 50 * time.Millisecond
}

// holdReader открывает читающую транзакцию на b, которая держит SHARED блокировку.
func holdReader(t *testing.T, b *TestDB) *Tx {
	t.Helper()
	ctx := context.Background()
	txB, err := b.Begin(ctx, TxLockDeferred)
	require.NoError(t, err)
	var n int
	require.NoError(t, txB.GetContext(ctx, &n, "SELECT count(*) FROM items"))
	return txB
}

func TestTx_CommitBusyKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	a := NewTestDBFile(t, rollbackJournal)
	a.Exec(t, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	b := a.OpenTestDB(t, rollbackJournal)

	txB := holdReader(t, b)

	txA, err := a.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	_, err = txA.ExecContext(ctx, "INSERT INTO items (name) VALUES ('pending')")
	require.NoError(t, err)

	err = txA.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, TxActive, txA.State())
	assert.Equal(t, 1, a.TxDepth())

	// после ухода читателя повторный commit проходит
	require.NoError(t, txB.Commit(ctx))
	require.NoError(t, txA.Commit(ctx))
	assert.Equal(t, TxCommitted, txA.State())
	assert.Equal(t, 0, a.TxDepth())
	assert.Equal(t, 1, b.CountRows(t, "items"))
}

func TestWithinTx_CommitBusyRollsBack(t *testing.T) {
	ctx := context.Background()
	a := NewTestDBFile(t, rollbackJournal)
	a.Exec(t, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	b := a.OpenTestDB(t, rollbackJournal)

	txB := holdReader(t, b)

	err := a.WithinTx(ctx, TxLockImmediate, func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('lost')")
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "commit", txErr.Op)
	assert.Equal(t, OutcomeRolledBack, txErr.Outcome())
	assert.False(t, txErr.StateUnknown())
	assert.Equal(t, 0, a.TxDepth())

	require.NoError(t, txB.Commit(ctx))
	assert.Equal(t, 0, a.CountRows(t, "items"))
}

func TestWithinTxRetry(t *testing.T) {
	ctx := context.Background()
	a := newItemsDB(t)
	b := a.OpenTestDB(t, func(o *Options) { o.BusyTimeout = 10 * time.Millisecond })

	txA, err := a.Begin(ctx, TxLockImmediate)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = txA.Commit(ctx)
	}()

	policy := retry.Policy{
		MaxAttempts: 50,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
	}
	attempts := 0
	err = b.WithinTxRetry(ctx, TxLockImmediate, policy, func(ctx context.Context, tx *Tx) error {
		attempts++
		_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('retried')")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "fn runs only after BEGIN IMMEDIATE succeeded")
	assert.Equal(t, 1, b.CountRows(t, "items"))
}

func TestRetryOnBusy_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := RetryOnBusy(context.Background(), retry.DefaultPolicy(), func(context.Context) error {
		calls++
		return ErrAlreadyActive
	})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, 1, calls)
}

func TestTxError(t *testing.T) {
	cause := errors.New("constraint failed")
	rbErr := errors.New("disk I/O error")

	clean := &TxError{Op: "transaction", Err: cause}
	assert.Equal(t, "transaction: constraint failed", clean.Error())
	assert.Equal(t, "rolled back", clean.Outcome().String())

	broken := &TxError{Op: "commit", Err: cause, RollbackErr: ErrConnUnusable}
	assert.True(t, broken.StateUnknown())
	assert.ErrorIs(t, broken, cause)
	assert.ErrorIs(t, broken, ErrConnUnusable)
	assert.NotErrorIs(t, broken, rbErr)
	assert.Equal(t, "unknown", broken.Outcome().String())
}
