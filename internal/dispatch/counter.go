package dispatch

import "sync/atomic"

// Counter is the number of acquired tasks whose result has not been delivered yet.
// It never goes below zero.
type Counter struct {
	n atomic.Int64
}

// Inc adds one and returns the new value
func (c *Counter) Inc() int64 {
	return c.n.Add(1)
}

// Dec subtracts one unless the counter is already zero, and returns the new value
func (c *Counter) Dec() int64 {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return 0
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Load returns the current value
func (c *Counter) Load() int64 {
	return c.n.Load()
}
