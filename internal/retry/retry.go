// Package retry runs an operation with bounded attempts and exponential
// backoff. Callers classify errors as retryable or terminal at the call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// ErrAttemptsExhausted wraps the last error once every attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop. Delay is the wait after the first failure and
// doubles after each further failure.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// Do calls fn until it succeeds, isFatal reports true, the attempts run out,
// or ctx is done. It returns the number of attempts made.
//
// A fatal error is returned as is. Exhaustion is reported as
// ErrAttemptsExhausted wrapping the last error, and cancellation as ctx.Err()
// wrapping the last error.
func Do(
	ctx context.Context,
	policy Policy,
	fn func(ctx context.Context, attempt int) error,
	isFatal func(error) bool,
	notify func(err error, attempt int),
) (int, error) {
	clk := policy.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	attemptsAllowed := policy.Attempts
	if attemptsAllowed <= 0 {
		attemptsAllowed = 1
	}
	delay := policy.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			close(stop)
		case <-done:
		}
	}()

	attempts := 0
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			attempts++
			return fn(ctx, attempts)
		},
		IsFatalError: isFatal,
		NotifyFunc:   notify,
		Attempts:     attemptsAllowed,
		Delay:        delay,
		MaxDelay:     policy.MaxDelay,
		BackoffFunc:  jujuretry.DoubleDelay,
		Clock:        clk,
		Stop:         stop,
	})

	switch {
	case err == nil:
		return attempts, nil
	case jujuretry.IsAttemptsExceeded(err):
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, jujuretry.LastError(err))
	case jujuretry.IsRetryStopped(err):
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return attempts, fmt.Errorf("%w: %w", cause, jujuretry.LastError(err))
	default:
		return attempts, err
	}
}
