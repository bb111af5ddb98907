package rtclient

import "time"

// Backoff schedules reconnect attempts. Attempt n (1-based) waits
// Base * 2^(n-1); after MaxAttempts failures the controller gives up.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s, 8s and 16s.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, MaxAttempts: 5}
}

// maxShift keeps Base << shift from overflowing for any sane Base.
const maxShift = 30

// Delay returns the wait before attempt n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > maxShift {
		shift = maxShift
	}
	return b.Base << shift
}
