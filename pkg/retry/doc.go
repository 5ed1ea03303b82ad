// Package retry runs an operation again after transient failures, using
// exponential backoff with optional jitter.
//
// Transient means the error belongs to the Busy or Timeout class of
// internal/shared. A busy SQLite write lock is the typical case:
//
//	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//	    return conn.WithinTx(ctx, sqlite.TxLockImmediate, work)
//	}, sqlite.IsBusy)
//
// The policy is explicit. Nothing in the storage layer retries on its own.
package retry
