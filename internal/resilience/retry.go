package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// CatalogRetryConfig returns config tuned for the catalog API
func CatalogRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with exponential backoff. Only errors classified
// as transient are retried; a server-requested Retry-After overrides the
// computed backoff when longer.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}

	log := logger.New("retry")
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug("operation succeeded after retry", logger.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if oceanerr.IsCanceled(err) {
			return err
		}
		if !oceanerr.IsRetryable(err) {
			return err
		}
		if attempt >= config.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, config)
		if retryAfter := oceanerr.RetryAfterOf(err); retryAfter > delay {
			delay = retryAfter
		}

		log.Debug("retrying operation",
			logger.Int("attempt", attempt),
			logger.Duration("next_delay", delay),
			logger.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// calculateDelay computes the delay for the next retry attempt
func calculateDelay(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	// Jitter prevents synchronized retries across workers
	if config.Jitter {
		delay += rand.Float64() * 0.3 * delay
	}

	return time.Duration(delay)
}
