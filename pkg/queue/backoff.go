package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before redelivery attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff always waits Interval.
type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(int) time.Duration { return c.Interval }

// ExponentialBackoff waits min(Initial * 2^(attempt-1), Max).
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter picks a random delay in [0, computed] to spread retries of many tasks.
	Jitter bool
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// DefaultBackoff is exponential with jitter, starting at initial and capped at one minute.
func DefaultBackoff(initial time.Duration) Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	return ExponentialBackoff{Initial: initial, Max: time.Minute, Jitter: true}
}
