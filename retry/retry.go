// Package retry decides whether a failed replay attempt gets another try and
// what backoff delay applies to a given attempt number. It does not schedule
// anything itself: items below the attempt budget go back to PENDING and ride
// the next sync cycle, since reconnection is what clears transient failures
// in the first place.
package retry

import "time"

// Policy is an exponential backoff policy with a bounded attempt budget.
type Policy struct {
	// MaxAttempts is the total number of attempts an item gets before it is
	// failed permanently.
	MaxAttempts int
	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration
	// Multiplier grows the delay between successive attempts.
	Multiplier float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// DefaultPolicy gives three attempts with 1s/2s/4s backoff capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// ShouldRetry reports whether an item that has now failed failureCount times
// still has attempts left.
func (p Policy) ShouldRetry(failureCount int) bool {
	return failureCount < p.MaxAttempts
}

// DelayForAttempt returns the backoff delay before the given 1-based attempt.
func (p Policy) DelayForAttempt(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Delays returns the full backoff schedule, one delay per retry.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts-1)
	for i := range out {
		out[i] = p.DelayForAttempt(i + 1)
	}
	return out
}

// TotalRetryDelay is the sum of the full backoff schedule.
func (p Policy) TotalRetryDelay() time.Duration {
	var total time.Duration
	for _, d := range p.Delays() {
		total += d
	}
	return total
}
