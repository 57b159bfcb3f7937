package relay

import "time"

// Backoff is the reconnect schedule of one relay: Base, doubling on each
// consecutive failure, capped at Max. It is owned by a single Connection.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff returns a schedule starting at base and capped at max
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt and advances the schedule
func (b *Backoff) Next() time.Duration {
	switch {
	case b.current == 0:
		b.current = b.Base
	case b.current < b.Max:
		b.current *= 2
		if b.current > b.Max {
			b.current = b.Max
		}
	}
	return b.current
}

// Reset puts the schedule back at Base; called after a successful connect
func (b *Backoff) Reset() {
	b.current = 0
}
