package orchestrator

import "time"

// Default retry policy values.
const (
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffCap bounds the delay regardless of attempt count.
	DefaultBackoffCap = 60 * time.Second
)

// Backoff computes the delay before a failed task returns to the ready set.
// The curve is bounded exponential: base doubles per attempt up to the cap.
type Backoff struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap is the maximum delay.
	Cap time.Duration
}

// DefaultBackoff returns the default retry curve.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the backoff for the given attempt count (1-based: the delay
// applied after the Nth failed attempt).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	cap := b.Cap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
