package eventbus

import "sync/atomic"

// Clock is a monotonic logical clock. Every published event is stamped
// with a strictly increasing sequence number, so subscribers can order
// events without relying on wall-clock time.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
