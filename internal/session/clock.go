package session

import "sync/atomic"

// Clock is a monotonic logical clock assigning acceptance order to updates
// within one session.
//
// Every update accepted by the conflict resolver is stamped with a strictly
// increasing seq, so observers can reconstruct the order the session loop
// accepted events in, independent of producer wall clocks.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though the session loop's single-writer design means only one goroutine
// calls Next in practice.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
// Each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
