package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/errs"
	"github.com/cyverse/irodsfs-go/internal/logger"
	"github.com/cyverse/irodsfs-go/internal/rclient"

	"time"
)

// Dialer opens a new authenticated remote session.
type Dialer func(ctx context.Context) (rclient.Session, error)

// Options configures a Pool.
type Options struct {
	MaxConn              int
	ConnReuse            bool
	ConnTimeout          time.Duration
	ConnKeepAlive        time.Duration
	Clock                clock.Clock
}

// Pool owns every Connection and arbitrates leasing, reaping, and
// reconnection.
//
// Lock order (see SPEC_FULL.md §5): the pool's own mu (level 1) is always
// acquired before any Connection.Mu (level 2); no goroutine holds both a
// Connection.Mu and then tries to acquire mu.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	conns  map[uint64]*Connection
	nextID uint64

	opts  Options
	dial  Dialer
	clock clock.Clock
}

// New creates an empty Pool. dial is called to create each new Connection's
// underlying session, up to opts.MaxConn concurrently-existing connections.
func New(opts Options, dial Dialer) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	p := &Pool{
		conns: make(map[uint64]*Connection),
		opts:  opts,
		dial:  dial,
		clock: opts.Clock,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// GetAndUse leases a Connection of the given type, creating one if the pool
// is under capacity, or blocking until one is released if at capacity. A
// ShortOp lease may be satisfied by a connection another ShortOp caller is
// also currently using, when opts.ConnReuse is set; FileIO and OneTimeUse
// leases are always exclusive.
func (p *Pool) GetAndUse(ctx context.Context, t Type) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if c := p.findReusableLocked(t); c != nil {
			p.leaseLocked(c)
			return c, nil
		}

		if len(p.conns) < p.opts.MaxConn {
			c, err := p.createLocked(ctx, t)
			if err != nil {
				return nil, err
			}
			p.leaseLocked(c)
			return c, nil
		}

		if c := p.stealIdleLocked(t); c != nil {
			p.leaseLocked(c)
			return c, nil
		}

		// At capacity with nothing free: wait for a release. sync.Cond.Wait
		// releases p.mu while parked and reacquires it before returning.
		p.cond.Wait()
		if ctx.Err() != nil {
			return nil, errs.New(errs.RPCTimeout, "", ctx.Err())
		}
	}
}

// findReusableLocked returns a warm, already-in-use ShortOp connection when
// reuse is enabled, preferring the most recently active one.
func (p *Pool) findReusableLocked(t Type) *Connection {
	if t != ShortOp || !p.opts.ConnReuse {
		return nil
	}
	var best *Connection
	for _, c := range p.conns {
		if c.connType != ShortOp {
			continue
		}
		c.Mu.Lock()
		inUse := c.InUse()
		act := c.lastActTime
		c.Mu.Unlock()
		if !inUse {
			continue
		}
		if best == nil || act.After(bestActTime(best)) {
			best = c
		}
	}
	return best
}

func bestActTime(c *Connection) time.Time {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.lastActTime
}

// stealIdleLocked finds the warmest idle connection of any type and repurposes
// it for t by retagging its type; the existing session is kept as it is.
func (p *Pool) stealIdleLocked(t Type) *Connection {
	var best *Connection
	for _, c := range p.conns {
		c.Mu.Lock()
		idle := !c.InUse()
		c.Mu.Unlock()
		if idle && (best == nil || bestActTime(c).After(bestActTime(best))) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	best.connType = t
	return best
}

func (p *Pool) createLocked(ctx context.Context, t Type) (*Connection, error) {
	s, err := p.dial(ctx)
	if err != nil {
		return nil, errs.New(errs.NetworkDisconnect, "", err)
	}
	p.nextID++
	c := newConnection(p.nextID, t, s, p.clock.Now())
	p.conns[c.id] = c
	logger.Debugf("pool: created connection %d type=%d", c.id, t)
	return c, nil
}

func (p *Pool) leaseLocked(c *Connection) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	now := p.clock.Now()
	c.inUseCnt++
	c.lastUseTime = now
	c.lastActTime = now
}

// Unuse releases a lease acquired via GetAndUse.
func (p *Pool) Unuse(c *Connection) {
	c.Mu.Lock()
	if c.inUseCnt > 0 {
		c.inUseCnt--
	}
	now := p.clock.Now()
	c.lastUseTime = now
	c.lastActTime = now
	c.Mu.Unlock()

	if c.connType == OneTimeUse {
		p.destroy(c)
		return
	}

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// UpdateLastActTime records remote activity on c, independent of lease
// state. When lock is false the caller already holds c.Mu.
func (p *Pool) UpdateLastActTime(c *Connection, lock bool) {
	if lock {
		c.Mu.Lock()
		defer c.Mu.Unlock()
	}
	c.lastActTime = p.clock.Now()
}

// Reconnect tears down and re-dials c's underlying session in place,
// preserving its id and type. Used by the RPC facade after a classified
// network-disconnect error.
func (p *Pool) Reconnect(ctx context.Context, c *Connection) error {
	c.Mu.Lock()
	defer c.Mu.Unlock()

	_ = c.session.Disconnect(ctx)
	s, err := p.dial(ctx)
	if err != nil {
		return errs.New(errs.NetworkDisconnect, "", err)
	}
	c.session = s
	now := p.clock.Now()
	c.lastActTime = now
	c.lastUseTime = now
	return nil
}

func (p *Pool) destroy(c *Connection) {
	p.mu.Lock()
	delete(p.conns, c.id)
	p.mu.Unlock()

	_ = c.session.Disconnect(context.Background())

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// ReapIdle is invoked by the timer on every tick. It closes connections not
// used for ConnTimeout (measured from the last lease or release), and sends a
// keepalive ping to the others that have had no remote activity for
// ConnKeepAlive. Invariant (a) is preserved: a connection with
// inUseCnt > 0 is never selected.
func (p *Pool) ReapIdle(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()
	var toClose, toPing []*Connection
	for _, c := range p.conns {
		c.Mu.Lock()
		usedAgo := now.Sub(c.lastUseTime)
		idleFor := now.Sub(c.lastActTime)
		inUse := c.InUse()
		c.Mu.Unlock()

		if inUse {
			continue
		}
		switch {
		case usedAgo >= p.opts.ConnTimeout:
			toClose = append(toClose, c)
		case idleFor >= p.opts.ConnKeepAlive:
			toPing = append(toPing, c)
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		logger.Debugf("pool: reaping idle connection %d", c.id)
		p.destroy(c)
	}
	for _, c := range toPing {
		if err := c.session.Ping(ctx); err != nil {
			logger.Warnf("pool: keepalive ping failed for connection %d: %v", c.id, err)
			continue
		}
		p.UpdateLastActTime(c, true)
	}
}

// Report returns a point-in-time snapshot of pool occupancy, for metrics.
type Report struct {
	Total  int
	InUse  int
}

func (p *Pool) Report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := Report{Total: len(p.conns)}
	for _, c := range p.conns {
		c.Mu.Lock()
		if c.InUse() {
			r.InUse++
		}
		c.Mu.Unlock()
	}
	return r
}

// Close tears down every connection, used/idle alike, on filesystem
// shutdown.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[uint64]*Connection)
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.session.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect connection %d: %w", c.id, err)
		}
	}
	return firstErr
}
