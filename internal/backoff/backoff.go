package backoff

import (
	"context"
	stderrors "errors"
	"math"
	"time"
)

// Retry policy for research stages.
const (
	InitialDelay = 1000 * time.Millisecond
	Multiplier   = 2
	MaxDelay     = 10000 * time.Millisecond
	MaxRetries   = 3 // retries after the initial attempt
)

// Policy is an exponential backoff without jitter.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
}

// Default is the stage retry policy.
var Default = Policy{
	InitialDelay: InitialDelay,
	MaxDelay:     MaxDelay,
	Multiplier:   Multiplier,
	MaxRetries:   MaxRetries,
}

// NextDelay returns min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt may follow attempt.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// NextDelay applies the default policy.
func NextDelay(attempt int) time.Duration { return Default.NextDelay(attempt) }

// ShouldRetry applies the default policy.
func ShouldRetry(attempt int) bool { return Default.ShouldRetry(attempt) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return stderrors.As(err, &p)
}

// Retry runs op until it succeeds, returns a permanent error, the policy
// runs out of retries, or ctx is done. Attempts run sequentially; attempt
// numbers start at 0. onRetry, if set, is called before each wait.
//
// The returned error is the last error from op, or ctx.Err() if ctx ended
// while waiting.
func Retry[T any](
	ctx context.Context,
	p Policy,
	op func(ctx context.Context, attempt int) (T, error),
	onRetry func(attempt int, err error, delay time.Duration),
) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if IsPermanent(err) || !p.ShouldRetry(attempt) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		delay := p.NextDelay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
}
