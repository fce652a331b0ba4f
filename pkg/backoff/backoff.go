// Package backoff provides capped exponential backoff and context-aware waits.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 1s
	Max     time.Duration // default: 30s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial, maxDelay := time.Second, 30*time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxDelay = c.Max
		}
	}
	return initial, maxDelay
}

// Exponential returns initial * 2^exponent, capped at Max.
// Exponent 0 returns initial; negative exponents are treated as 0.
func Exponential(exponent int, cfg *Config) time.Duration {
	initial, maxDelay := cfg.bounds()
	if exponent < 0 {
		exponent = 0
	}

	d := float64(initial) * math.Pow(2, float64(exponent))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the wait was cut short.
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
