package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffConfig paces reconnect attempts and mailbox turn probes.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales every delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// Delay returns the wait before attempt (1-based). Growth stops at MaxDelay;
// jitter is applied after the cap.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	mult := max(c.Multiplier, 1.0)
	d := float64(c.InitialDelay)
	limit := float64(c.MaxDelay)
	if c.MaxDelay <= 0 {
		limit = float64(time.Hour)
	}
	for i := 1; i < attempt && d < limit; i++ {
		d *= mult
	}
	d = min(d, limit)
	if c.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
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
