package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures bounded exponential backoff between task attempts.
type RetryPolicy struct {
	MaxRetries  int           // Retries after the first attempt (default 2)
	BackoffBase time.Duration // Delay before the first retry (default 1s)
	BackoffMax  time.Duration // Cap for a single delay (default 1m)
	Multiplier  float64       // Backoff multiplier (default 2.0)
	Jitter      float64       // Randomization factor (default 0.2)
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  2,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Validate rejects unusable settings.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry: max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.BackoffBase < 0 || p.BackoffMax < 0 {
		return fmt.Errorf("retry: backoff durations must not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be at least 1, got %g", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("retry: jitter must be within [0, 1], got %g", p.Jitter)
	}
	return nil
}

// retriesFor returns the retry limit for a task, honoring its override.
func (p RetryPolicy) retriesFor(override *int) int {
	if override != nil && *override >= 0 {
		return *override
	}
	return p.MaxRetries
}

// newBackOff creates the delay schedule for one task. It yields
// backoff.Stop once maxRetries delays were handed out.
func (p RetryPolicy) newBackOff(maxRetries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BackoffBase
	exp.MaxInterval = p.BackoffMax
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0 // bounded by attempt count, not wall time
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(maxRetries))
}

// WriteRetry configures retries of checkpoint writes.
type WriteRetry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
}

// DefaultWriteRetry returns the default checkpoint write retry settings.
func DefaultWriteRetry() WriteRetry {
	return WriteRetry{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxRetries:      4,
	}
}

// retryWrite runs op with exponential backoff until it succeeds, the
// retries are exhausted or ctx ends.
func retryWrite(ctx context.Context, cfg WriteRetry, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, policy)
}
