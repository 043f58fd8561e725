package controller

import "time"

// Backoff is an exponential backoff bounded by both a maximum attempt
// count and a wall-clock ceiling, mirroring the fleet's own reconnection
// backoff (which doubles its delay on every failed session, capped, and
// resets after a sufficiently long healthy run).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
}

// Delay returns the backoff delay before the given attempt number
// (1-indexed): Base * 2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}
