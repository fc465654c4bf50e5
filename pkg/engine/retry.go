package engine

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int `yaml:"attempts" json:"attempts" validate:"min=1"`

	// Delay is the wait before the second attempt.
	Delay time.Duration `yaml:"delay" json:"delay"`

	// MaxDelay caps the exponential growth of the delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is applied to the delay after every attempt.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultRetryPolicy returns three attempts with exponential backoff from two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Delay:      2 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = time.Millisecond
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The error returned is the last one fn
// produced, or the context error when ctx ended the loop.
func (p RetryPolicy) Do(
	ctx context.Context,
	clk clock.Clock,
	retryable func(error) bool,
	notify func(err error, attempt int),
	fn func(attempt int) error,
) error {
	p = p.normalized()
	if clk == nil {
		clk = clock.WallClock
	}

	var (
		attempt int
		last    error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempt++
			last = fn(attempt)
			return last
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !retryable(err)
		},
		NotifyFunc:  notify,
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.ExpBackoff(p.Delay, p.MaxDelay, p.Multiplier, false),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsRetryStopped(err):
		return ctx.Err()
	case last != nil:
		// retry.Call traces fatal errors, which hides the cause from errors.As.
		return last
	}
	return err
}
