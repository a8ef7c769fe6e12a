package supervisor

import "time"

const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy is the reconnect schedule: delay = min(BaseDelay * 2^(n-1), MaxDelay)
// for the n-th consecutive failure, and no retry after MaxAttempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Attempt is the bookkeeping for consecutive connection failures. The
// zero value means "no failure since the last successful connection".
type Attempt struct {
	Number            int
	Delay             time.Duration
	SinceFirstFailure time.Duration

	firstFailure time.Time
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Next records one more failure at now. It returns the attempt to schedule
// and true, or false when the attempt cap is exhausted and the caller must
// give up.
func (p Policy) Next(prev Attempt, now time.Time) (Attempt, bool) {
	first := prev.firstFailure
	if prev.Number == 0 || first.IsZero() {
		first = now
	}
	next := Attempt{
		Number:            prev.Number + 1,
		SinceFirstFailure: now.Sub(first),
		firstFailure:      first,
	}
	if next.Number > p.MaxAttempts {
		return next, false
	}
	next.Delay = p.Delay(next.Number)
	return next, true
}
