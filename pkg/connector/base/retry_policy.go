package base

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior with exponential backoff. Connectors
// use it around session establishment; the final state machine transition
// happens only after the last attempt fails.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy creates a retry policy with exponential backoff
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Execute runs fn until it succeeds, attempts are exhausted or the context
// is cancelled. With a single-attempt policy the original error is returned
// unwrapped.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if attempt == rp.MaxAttempts-1 {
			break
		}

		delay := rp.calculateDelay(attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if rp.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("all %d attempts failed: %w", rp.MaxAttempts, lastErr)
}

// calculateDelay applies exponential backoff with jitter, capped at MaxDelay.
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	// Jitter
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}
