// Package clock provides the time source used throughout the filesystem
// core: the timer, the connection pool's idle/keepalive accounting, and the
// metadata cache's TTL bookkeeping all read time through this interface so
// that tests can drive them deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time source every clock-consuming component depends
// on instead of calling time.Now/time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the standard library.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// pendingAfter is a registered After() call awaiting a Simulated clock to
// reach its target time.
type pendingAfter struct {
	target time.Time
	ch     chan time.Time
}

// Simulated is a Clock whose notion of "now" only advances when SetTime or
// Advance is called, so that TTL and idle-timeout logic can be exercised
// without sleeping in tests.
type Simulated struct {
	mu      sync.RWMutex
	now     time.Time
	pending []*pendingAfter
}

// NewSimulated returns a Simulated clock starting at t.
func NewSimulated(t time.Time) *Simulated {
	return &Simulated{now: t}
}

func (c *Simulated) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// SetTime moves the clock to t and fires any pending After channels whose
// target has been reached or passed.
func (c *Simulated) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	c.wake()
}

// Advance moves the clock forward by d.
func (c *Simulated) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.wake()
}

func (c *Simulated) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	target := c.now.Add(d)
	if !target.After(c.now) {
		ch <- c.now
		return ch
	}

	c.pending = append(c.pending, &pendingAfter{target: target, ch: ch})
	return ch
}

// wake must be called with c.mu held.
func (c *Simulated) wake() {
	remaining := c.pending[:0]
	for _, p := range c.pending {
		if !c.now.Before(p.target) {
			p.ch <- p.target
		} else {
			remaining = append(remaining, p)
		}
	}
	c.pending = remaining
}

var (
	_ Clock = Real{}
	_ Clock = (*Simulated)(nil)
)
