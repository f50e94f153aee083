package stint

import (
	"context"
	"time"
)

// Budget tracks the wall-clock allowance of one invocation. The margin is
// reserved for the final checkpoint write and lock release, so Usable time
// is what the batch loop may actually spend; it is a fixed buffer, never
// computed from the current batch's latency.
type Budget struct {
	deadline time.Time
	margin   time.Duration
	perCall  time.Duration
	now      func() time.Time
}

// NewBudget starts a budget clock running from now.
func NewBudget(total, margin, perCall time.Duration) *Budget {
	b := &Budget{margin: margin, perCall: perCall, now: time.Now}
	b.deadline = b.now().Add(total)
	return b
}

// Remaining is the time left until the hard deadline. Negative once past.
func (b *Budget) Remaining() time.Duration {
	return b.deadline.Sub(b.now())
}

// Usable is the time left for real work, with the margin held back.
func (b *Budget) Usable() time.Duration {
	return b.Remaining() - b.margin
}

// Exhausted reports whether the loop must stop and hand off.
func (b *Budget) Exhausted() bool {
	return b.Usable() <= 0
}

// Fits reports whether a planned wait of d still leaves the margin
// intact. A delay that does not fit must be carried into a continuation
// instead of slept through.
func (b *Budget) Fits(d time.Duration) bool {
	return d <= b.Usable()
}

// CallContext derives a context for one downstream call, capped at the
// per-call timeout so a single slow provider cannot eat the whole window.
func (b *Budget) CallContext(ctx context.Context) (context.Context, context.CancelFunc) {
	d := b.perCall
	if u := b.Usable(); u < d {
		d = u
	}
	if d < 0 {
		d = 0
	}
	return context.WithTimeout(ctx, d)
}
