package mqtt

import (
	"math"
	"time"
)

// Backoff computes reconnect delays: delay = min(base * multiplier^attempt,
// max). Attempt counting restarts after every successful connect.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// MaxAttempts caps the number of reconnect attempts; 0 means unlimited.
	MaxAttempts int

	attempt int
}

// Next returns the delay before the upcoming attempt and whether another
// attempt is allowed.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(b.attempt)))
	if d > max || d < 0 {
		d = max
	}
	b.attempt++
	return d, true
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns the number of attempts made since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
