package retry

import (
	"time"
)

// Policy maps a delivery attempt number to the delay before the next try.
// The schedule is geometric: Base * Factor^(attempt-1), capped at Max.
// It is deterministic so that a job's next eligibility time can be reasoned
// about from its row alone.
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Default yields 5m, 15m, 45m for attempts 1..3 — long enough to outlast a
// transient provider outage, short enough to stay inside the same sending
// window.
var Default = Policy{
	Base:   5 * time.Minute,
	Factor: 3,
	Max:    2 * time.Hour,
}

// Delay returns the backoff before retrying after the given failed attempt.
// Attempt numbers start at 1; values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Max {
			return p.Max
		}
	}
	if time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}
