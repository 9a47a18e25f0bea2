package provider

import "time"

// Backoff computes reconnect delays: Base doubled per failed attempt,
// capped at Cap. MaxAttempts consecutive failures without a successful
// connection end automatic retrying.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff provides the stock reconnect schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        2 * time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 8,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Cap <= 0 {
		b.Cap = d.Cap
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// Next returns the delay before the given retry, where attempts counts
// failures already seen (first retry is attempts=0).
func (b Backoff) Next(attempts int) time.Duration {
	wait := b.Base
	for i := 0; i < attempts; i++ {
		wait *= 2
		if wait >= b.Cap {
			return b.Cap
		}
	}
	if wait > b.Cap {
		return b.Cap
	}
	return wait
}

// Exhausted reports whether no automatic retries remain.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}
