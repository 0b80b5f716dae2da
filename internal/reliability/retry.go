package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool

	// OnRetry is called before sleeping ahead of attempt+1
	OnRetry func(attempt int, backoff time.Duration, err error)
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.InitialBackoff == 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}

	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.Multiplier == 0 {
		config.Multiplier = 2.0
	}

	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		backoff := ExponentialBackoff(attempt, config.InitialBackoff, config.Multiplier, config.MaxBackoff)
		if config.Jitter {
			backoff = addJitter(backoff)
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, backoff, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrRetryAborted, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// isRetryable determines if an error should trigger a retry
func isRetryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// An open breaker will not close within a backoff window
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return false
	}
	return true
}

// addJitter adds randomness to backoff duration
func addJitter(d time.Duration) time.Duration {
	// ±10%
	jitter := float64(d) * 0.2
	offset := (float64(time.Now().UnixNano()%1000) / 1000.0) * jitter
	return time.Duration(float64(d) + offset - jitter/2)
}

// ExponentialBackoff calculates exponential backoff duration
func ExponentialBackoff(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return backoff
}
