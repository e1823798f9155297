package resilience

import (
	"context"
	"time"
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean 1.
	Attempts int

	// Backoff is the delay before the first retry. Each further retry doubles
	// it.
	Backoff time.Duration

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt. Nil means
	// every error except cancellation.
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait with the attempt number
	// that failed (starting at 1) and its error.
	OnRetry func(attempt int, err error)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. Waiting honours ctx; a cancelled context ends the
// loop with the last error from fn.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := max(cfg.Attempts, 1)
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = CountsAsFailure
	}

	delay := cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) || ctx.Err() != nil {
			return err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		delay *= 2
		if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
	}
}
