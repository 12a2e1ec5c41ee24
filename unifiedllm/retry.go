package unifiedllm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int           // total attempts, including the first
	InitialBackoff time.Duration // delay before the first retry
	MaxBackoff     time.Duration // cap on any single delay (0 = uncapped)
	Multiplier     float64       // exponential backoff factor
	Jitter         bool          // add random jitter to prevent thundering herd
	OnRetry        func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the reliability wrapper's default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// WithRetries returns a copy of p allowing retries retries after the first attempt.
func (p RetryPolicy) WithRetries(retries int) RetryPolicy {
	if retries < 0 {
		retries = 0
	}
	p.MaxAttempts = retries + 1
	return p
}

// Delay calculates the delay before retry n (1-indexed: the delay after the
// first failed attempt is Delay(1)).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.InitialBackoff) * math.Pow(mult, float64(retry-1))
	if p.MaxBackoff > 0 {
		delay = math.Min(delay, float64(p.MaxBackoff))
	}
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64()) // rand in [0,1) -> [0.5, 1.5)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn with the configured retry policy.
// Only retryable errors are retried.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 1; attempt < policy.attempts(); attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, delay)
		}

		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return zero, AbortedError(sleepErr)
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
