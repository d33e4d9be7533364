package feed

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff configures the resubscribe delay: truncated exponential growth
// from Initial by Multiplier up to Max, with optional ±Jitter fraction.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is 1s, 2s, 4s, ... capped at 30s, without jitter.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultBackoff.Multiplier
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	return b
}

// backoff is the stateful sequence generated from a Backoff.
type backoff struct {
	cfg     Backoff
	current time.Duration
}

func newBackoff(cfg Backoff) *backoff {
	cfg = cfg.withDefaults()
	return &backoff{cfg: cfg, current: cfg.Initial}
}

// next returns the current delay and advances the sequence.
func (b *backoff) next() time.Duration {
	d := b.current
	if b.cfg.Jitter > 0 {
		d += time.Duration(float64(b.current) * b.cfg.Jitter * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
		if d < 0 {
			d = 0
		}
	}

	b.current = time.Duration(float64(b.current) * b.cfg.Multiplier)
	if b.current > b.cfg.Max {
		b.current = b.cfg.Max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.cfg.Initial
}

// sleep waits for d or until ctx is done. The timer is released either way.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
