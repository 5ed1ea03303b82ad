// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Storage-layer error classes shared by every package in the module.
var (
	// ErrBusy indicates transient lock contention; the operation may be retried
	ErrBusy = errors.New("resource busy")

	// ErrClosed indicates that a handle was already closed or is no longer usable
	ErrClosed = errors.New("handle closed")

	// ErrUnavailable indicates that a storage target could not be reached or read
	ErrUnavailable = errors.New("storage unavailable")

	// ErrProtocol indicates that the caller broke the begin/commit/savepoint protocol
	ErrProtocol = errors.New("protocol violation")

	// ErrValidation indicates that input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates that the request conflicts with current state
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInternal indicates an internal failure
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolated indicates a programming error such as cross-goroutine misuse
	ErrInvariantViolated = errors.New("invariant violated")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindBusy represents lock contention
	KindBusy
	// KindClosed represents use of a closed or failed handle
	KindClosed
	// KindUnavailable represents unreachable or unreadable storage
	KindUnavailable
	// KindProtocol represents caller protocol violations
	KindProtocol
	// KindValidation represents input validation errors
	KindValidation
	// KindConflict represents state conflicts
	KindConflict
	// KindNotFound represents missing resources
	KindNotFound
	// KindInternal represents internal failures
	KindInternal
	// KindTimeout represents timeout errors
	KindTimeout
	// KindInvariantViolated represents programming errors
	KindInvariantViolated
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "Busy"
	case KindClosed:
		return "Closed"
	case KindUnavailable:
		return "Unavailable"
	case KindProtocol:
		return "Protocol"
	case KindValidation:
		return "Validation"
	case KindConflict:
		return "Conflict"
	case KindNotFound:
		return "NotFound"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

var kindToSentinel = map[Kind]error{
	KindBusy:              ErrBusy,
	KindClosed:            ErrClosed,
	KindUnavailable:       ErrUnavailable,
	KindProtocol:          ErrProtocol,
	KindValidation:        ErrValidation,
	KindConflict:          ErrConflict,
	KindNotFound:          ErrNotFound,
	KindInternal:          ErrInternal,
	KindTimeout:           ErrTimeout,
	KindInvariantViolated: ErrInvariantViolated,
}

// kindPriorities defines the deterministic order for error classification.
// Programming errors outrank everything else so they are never mistaken for
// retryable conditions.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindInvariantViolated, ErrInvariantViolated},
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindBusy, ErrBusy},
	{KindClosed, ErrClosed},
	{KindProtocol, ErrProtocol},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindNotFound, ErrNotFound},
	{KindUnavailable, ErrUnavailable},
	{KindInternal, ErrInternal},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
// It traverses the error chain using a deterministic priority order, so for
// errors created with errors.Join the highest priority kind wins.
// Returns KindUnknown for unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the sentinel error for the given kind,
// preserving the original error through error wrapping.
// If err is nil, returns the sentinel error for the kind (or nil for unsupported kinds).
// Marking an error with a kind it already has returns the error unchanged.
//
// Packages use it to declare their own sentinels inside the taxonomy:
//
//	var ErrBusy = shared.MarkKind(errors.New("database is busy"), shared.KindBusy)
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}

	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return err
	}
	if KindOf(err) == kind {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// If err is nil, Wrap returns nil. If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsBusy reports whether the error indicates transient lock contention.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsClosed reports whether the error indicates use of a closed or failed handle.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsProtocol reports whether the error indicates a caller protocol violation.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsValidation reports whether the error indicates input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvariantViolated reports whether the error indicates a programming error.
func IsInvariantViolated(err error) bool {
	return errors.Is(err, ErrInvariantViolated)
}

// IsRetryable reports whether the whole operation may be retried as is.
// Busy and timeout conditions qualify, cancellation and programming errors never do.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBusy, KindTimeout:
		return true
	default:
		return false
	}
}
