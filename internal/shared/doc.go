// Package shared contains the error taxonomy used across the storage layer
// without depending on any particular engine or driver.
//
// # Error Kinds
//
// Every failure surfaced by the module belongs to one Kind:
//
//   - KindBusy: a competing writer holds the lock; safe to retry with backoff
//   - KindClosed: the handle was closed or left unusable by an earlier failure
//   - KindUnavailable: the target could not be opened, read or copied
//   - KindProtocol: begin/commit/savepoint calls made out of order
//   - KindValidation: bad options, identifiers or migration ordering
//   - KindInvariantViolated: programming errors such as concurrent use of one connection
//   - KindInternal: failures that need operator attention (broken migrations)
//   - KindTimeout, KindCanceled: context and deadline errors
//
// Packages declare their own sentinels inside the taxonomy with MarkKind:
//
//	var ErrAlreadyActive = shared.MarkKind(errors.New("transaction already active"), shared.KindProtocol)
//
// Both checks then work:
//
//	errors.Is(err, sqlite.ErrAlreadyActive) // precise condition
//	shared.IsProtocol(err)                  // whole class
//
// # Kind Priority Table
//
// When multiple kinds are present (e.g. with errors.Join), KindOf returns the highest priority kind:
//
//	Priority | Kind
//	---------|----------------------
//	1        | KindInvariantViolated
//	2        | KindCanceled
//	3        | KindTimeout
//	4        | KindBusy
//	5        | KindClosed
//	6        | KindProtocol
//	7        | KindValidation
//	8        | KindConflict
//	9        | KindNotFound
//	10       | KindUnavailable
//	11       | KindInternal
//
// # Retrying
//
// IsRetryable is true only for busy and timeout conditions. The storage layer
// never retries on its own; callers opt in explicitly.
//
// # Error Message Style Guide
//
// - Use lowercase messages: "transaction already active" not "Transaction already active"
// - Avoid punctuation so messages compose when wrapped
// - Keep driver details in the wrapped cause, not in the sentinel text
package shared
