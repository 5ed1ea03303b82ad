package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"litecoord/internal/shared"
)

// Jitter selects how delays are randomized.
type Jitter int

const (
	// JitterNone uses the exact backoff delay
	JitterNone Jitter = iota
	// JitterFull picks a delay uniformly in [MinDelay, delay]
	JitterFull
	// JitterDecorrelated picks a delay in [delay, 1.5*delay]
	JitterDecorrelated
)

// Policy defines how an operation is retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first one
	MaxAttempts int
	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration
	// MinDelay is the lower bound of any delay (defaults to BaseDelay)
	MinDelay time.Duration
	// MaxDelay is the upper bound of any delay
	MaxDelay time.Duration
	// MaxElapsed caps total time spent retrying (0 = no limit)
	MaxElapsed time.Duration
	// Multiplier is the exponential backoff factor
	Multiplier float64
	// Jitter is the randomization strategy
	Jitter Jitter
	// Rand is the jitter source (a local source is created when nil)
	Rand *rand.Rand
	// OnRetry is called before every wait
	OnRetry func(attempt int, err error, delay time.Duration)
	// Now and After exist for tests
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// DefaultPolicy returns three attempts with decorrelated exponential backoff from 50ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      JitterDecorrelated,
	}
}

func (p Policy) normalize() (Policy, error) {
	if p.MaxAttempts <= 0 {
		return p, errors.New("retry: MaxAttempts must be positive")
	}
	if p.BaseDelay <= 0 {
		return p, errors.New("retry: BaseDelay must be positive")
	}
	if p.MinDelay <= 0 {
		p.MinDelay = p.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MinDelay > p.MaxDelay {
		return p, errors.New("retry: MinDelay cannot be greater than MaxDelay")
	}
	if p.BaseDelay < p.MinDelay || p.BaseDelay > p.MaxDelay {
		return p, errors.New("retry: BaseDelay must be between MinDelay and MaxDelay")
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	if p.Multiplier < 1.0 {
		return p, errors.New("retry: Multiplier must be >= 1.0")
	}
	if p.MaxElapsed < 0 {
		return p, errors.New("retry: MaxElapsed cannot be negative")
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.After == nil {
		p.After = time.After
	}
	return p, nil
}

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// ExhaustedError is returned when the policy gave up.
type ExhaustedError struct {
	Last     error
	Attempts int
	Elapsed  time.Duration
	Reason   string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v", e.Reason, e.Elapsed, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Retryable reports whether err belongs to a transient class (Busy or Timeout).
// Cancellation is never retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return shared.IsRetryable(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy is exhausted.
// A nil retryable means Retryable.
func Do(ctx context.Context, p Policy, fn Func, retryable func(error) bool) error {
	p, err := p.normalize()
	if err != nil {
		return err
	}
	if retryable == nil {
		retryable = Retryable
	}

	start := p.Now()
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		if !retryable(last) {
			return last
		}

		delay := p.jitter(p.backoff(attempt))
		if p.MaxElapsed > 0 {
			elapsed := p.Now().Sub(start)
			if elapsed+delay > p.MaxElapsed {
				return &ExhaustedError{Last: last, Attempts: attempt, Elapsed: elapsed, Reason: "max elapsed time exceeded"}
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); delay > remaining {
				delay = remaining
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.After(delay):
		}
	}

	return &ExhaustedError{
		Last:     last,
		Attempts: p.MaxAttempts,
		Elapsed:  p.Now().Sub(start),
		Reason:   "max attempts exceeded",
	}
}

// backoff returns BaseDelay * Multiplier^(attempt-1), capped by MaxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if float64(delay)*p.Multiplier >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return clamp(delay, p.MinDelay, p.MaxDelay)
}

func (p Policy) jitter(delay time.Duration) time.Duration {
	switch p.Jitter {
	case JitterFull:
		if delay <= 0 {
			return p.MinDelay
		}
		return clamp(time.Duration(p.Rand.Int63n(int64(delay)+1)), p.MinDelay, p.MaxDelay)
	case JitterDecorrelated:
		spread := int64(delay / 2)
		if spread <= 0 {
			return clamp(delay, p.MinDelay, p.MaxDelay)
		}
		return clamp(delay+time.Duration(p.Rand.Int63n(spread+1)), p.MinDelay, p.MaxDelay)
	default:
		return delay
	}
}

func clamp(v, lo, hi time.Duration) time.Duration {
	return max(lo, min(v, hi))
}
