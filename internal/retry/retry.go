// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = until ctx is done)
	InitialWait time.Duration // Wait after the first failure
	MaxWait     time.Duration // Upper bound on a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      bool          // Randomize each wait between InitialWait and the backoff

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultConfig suits waiting for a storage service that is still starting.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 6,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (c Config) backoff(jitter bool) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    c.InitialWait,
		Max:    c.MaxWait,
		Factor: c.Multiplier,
		Jitter: jitter,
	}
}

// Backoff returns the wait after the given failed attempt, before jitter.
func (c Config) Backoff(attempt int) time.Duration {
	return c.backoff(false).ForAttempt(float64(attempt - 1))
}

// Do calls fn until it succeeds, the attempts run out or ctx is done. The
// last error from fn is returned when attempts run out.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	b := cfg.backoff(cfg.Jitter)

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		wait := b.Duration()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}
