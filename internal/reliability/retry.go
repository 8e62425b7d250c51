package reliability

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig tunes Retry. Backoff is exponential with full jitter:
// each sleep is uniform in [0, base*2^attempt], and the total added
// sleep never exceeds MaxTotal.
type RetryConfig struct {
	Attempts  int           // total tries, including the first
	Base      time.Duration // first backoff ceiling
	MaxTotal  time.Duration // cap on cumulative sleep
	Retryable func(error) bool
}

// DefaultRetry matches the outbound HTTP policy: two retries, 100 ms
// base, at most 2 s of added latency.
func DefaultRetry(retryable func(error) bool) RetryConfig {
	return RetryConfig{Attempts: 3, Base: 100 * time.Millisecond, MaxTotal: 2 * time.Second, Retryable: retryable}
}

// Retry runs fn until it succeeds, exhausts attempts, returns a
// non-retryable error, or the context deadline expires.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	var slept time.Duration
	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts-1 {
			break
		}

		ceiling := cfg.Base << uint(attempt)
		sleep := time.Duration(rand.Int63n(int64(ceiling) + 1))
		if slept+sleep > cfg.MaxTotal {
			break
		}
		slept += sleep

		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
	}
	return err
}
