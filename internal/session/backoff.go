package session

import (
	"math/rand/v2"
	"time"
)

// Delay returns the gap between the sent-th SYN and the next one. The first
// gap is InitialDelay; each later gap is Multiplier times the previous one,
// capped at MaxDelay. With Jitter and a non-nil rng the gap is scaled by a
// factor in [0.5, 1.5) so that clients started together drift apart.
//
// A zero InitialDelay keeps the one-SYN-per-tick cadence: the tick interval
// is then the only spacing between attempts.
func (b BackoffConfig) Delay(sent int, rng *rand.Rand) time.Duration {
	if sent < 1 || b.InitialDelay <= 0 {
		return 0
	}

	mult := max(b.Multiplier, 1)
	gap := float64(b.InitialDelay)
	limit := float64(b.MaxDelay)
	for i := 1; i < sent && mult > 1; i++ {
		gap *= mult
		if limit > 0 && gap >= limit {
			break
		}
	}
	if limit > 0 {
		gap = min(gap, limit)
	}

	if b.Jitter && rng != nil {
		gap *= 0.5 + rng.Float64()
	}
	return time.Duration(gap)
}
