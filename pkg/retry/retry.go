// Package retry provides a reusable retry policy with exponential backoff.
// It wraps any idempotent operation; callers supply a retryable-error
// predicate so liveness and backoff concerns stay in one place.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewPolicy creates a retry policy with exponential backoff and jitter
func NewPolicy(maxAttempts int, initialDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *Policy {
	return &Policy{
		MaxAttempts: 1,
	}
}

// Execute runs a function with the retry policy
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	return p.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition runs a function with retry only if condition is met
func (p *Policy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't retry on the last attempt
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)

		// Wait with context cancellation
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for a given attempt (0-based)
func (p *Policy) calculateDelay(attempt int) time.Duration {
	// base * multiplier^attempt, capped, then jittered
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (p *Policy) GetDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt)
}

// Clone creates a copy of the retry policy
func (p *Policy) Clone() *Policy {
	return &Policy{
		MaxAttempts:     p.MaxAttempts,
		InitialDelay:    p.InitialDelay,
		MaxDelay:        p.MaxDelay,
		Multiplier:      p.Multiplier,
		RandomizeFactor: p.RandomizeFactor,
	}
}

// WithMaxAttempts returns a new policy with updated max attempts
func (p *Policy) WithMaxAttempts(attempts int) *Policy {
	policy := p.Clone()
	policy.MaxAttempts = attempts
	return policy
}

// WithDelay returns a new policy with updated delays
func (p *Policy) WithDelay(initial, max time.Duration) *Policy {
	policy := p.Clone()
	policy.InitialDelay = initial
	policy.MaxDelay = max
	return policy
}
