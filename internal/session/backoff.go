package session

import "time"

// backoff implements capped exponential delays for reconnect attempts.
type backoff struct {
	base time.Duration
	cap  time.Duration
	cur  time.Duration
}

func newBackoff(base, cap time.Duration) *backoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if cap <= 0 {
		cap = 8 * time.Second
	}
	return &backoff{base: base, cap: cap}
}

// next returns the delay to wait before the next attempt, doubling each call
// up to the cap.
func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.cap {
		b.cur = b.cap
	}
	return b.cur
}
