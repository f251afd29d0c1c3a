package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/m4hub/chatcore/internal/domain"
)

// RetryConfig configures retry behavior with exponential backoff for
// transient store failures.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	BaseDelay  time.Duration // Base delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
	Multiplier float64       // Exponential backoff multiplier
	Jitter     bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// IsTransient classifies store errors. Domain errors and other
// permanent failures are not retryable and must never be masked as
// anything but what they are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	// Never reclassify domain errors.
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrDuplicateRequest) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err)
}

// WithRetry runs op, retrying transient store failures with
// exponential backoff. When retries are exhausted the error is wrapped
// in domain.ErrTransientStore so callers can distinguish "store down"
// from a domain violation. Non-transient errors pass through
// unchanged on the first attempt.
func WithRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
			if delay > float64(cfg.MaxDelay) {
				delay = float64(cfg.MaxDelay)
			}
			if cfg.Jitter {
				delay = delay/2 + rand.Float64()*delay/2
			}

			select {
			case <-time.After(time.Duration(delay)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", domain.ErrTransientStore, ctx.Err())
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %w", domain.ErrTransientStore, lastErr)
}
