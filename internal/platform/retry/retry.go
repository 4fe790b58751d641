package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Action classifies an error for the retry loop.
type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use backoff
)

// Policy is an explicit retry configuration. No policy objects, no hierarchy:
// callers construct one per send path and pass it in.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	OnRetry     func(attempt int, err error, backoff time.Duration)
}

// Classify maps an error to a retry action.
type Classify func(err error) Action

// Operation is the retried unit of work.
type Operation func(ctx context.Context) error

// Do runs op under the policy, sleeping on the given clock between attempts.
// The context cancels waiting immediately.
func Do(ctx context.Context, clock clockwork.Clock, p Policy, classify Classify, op Operation) error {
	backoff := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if classify != nil && classify(err) == Stop {
			return &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		timer := clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxDelay > 0 && backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

// PermanentError wraps an error classified as Stop.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
