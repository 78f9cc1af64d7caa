// Package timer implements the single background maintenance ticker that
// periodic concerns register a handler with (in this build, connection
// reaping; the metadata cache expires entries through ttlcache's own
// sweeper), mirroring the original's
// single timer thread plus handler list rather than one goroutine per
// concern.
package timer

import (
	"sync"
	"time"

	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/logger"
)

// Handler is called on every tick. Handlers are expected to self-throttle
// against their own interval (see Self, below) rather than assume the timer
// fires at any particular rate; the timer itself ticks far faster than any
// individual concern needs, matching the original's ~1ms tick with
// handlers gating on elapsed wall time.
type Handler func()

// Tick is how often the background goroutine wakes to invoke handlers. It
// is intentionally much finer than any handler's own interval.
const Tick = time.Millisecond

// Timer runs Tick-spaced wakeups, invoking every registered Handler on each
// tick. Handlers run only once Start has been called; AddHandler may be
// called before or after Start. Start is called only after the kernel
// handshake completes, to avoid the FUSE init deadlock (see Start).
type Timer struct {
	clock clock.Clock

	mu       sync.RWMutex
	handlers []Handler

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New builds a Timer. It does not start running until Start is called.
func New(c clock.Clock) *Timer {
	if c == nil {
		c = clock.Real{}
	}
	return &Timer{clock: c}
}

// AddHandler registers callback to run on every tick. Safe to call before
// or after Start.
func (t *Timer) AddHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Start launches the background tick goroutine. Per the original's
// comment, this must be called only after the filesystem has completed its
// FUSE init handshake, never from inside it, since a handler that blocks on
// the kernel channel before init has returned can deadlock the mount.
func (t *Timer) Start() {
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(Tick)
		defer ticker.Stop()

		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.runHandlers()
			}
		}
	}()
}

func (t *Timer) runHandlers() {
	t.mu.RLock()
	handlers := t.handlers
	t.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("timer: handler panicked: %v", r)
				}
			}()
			h()
		}()
	}
}

// Stop halts the background goroutine and waits for it to exit.
func (t *Timer) Stop() {
	t.once.Do(func() {
		if t.stopCh == nil {
			return
		}
		close(t.stopCh)
		<-t.doneCh
	})
}

// Self wraps handler so it only actually runs once every interval has
// elapsed since its last run, letting a slow concern (e.g. connection
// reaping every 10s) share the fine-grained timer without running on every
// tick.
func Self(c clock.Clock, interval time.Duration, handler Handler) Handler {
	if c == nil {
		c = clock.Real{}
	}
	var mu sync.Mutex
	last := c.Now()
	return func() {
		mu.Lock()
		now := c.Now()
		if now.Sub(last) < interval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()
		handler()
	}
}
