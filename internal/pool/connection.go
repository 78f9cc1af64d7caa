// Package pool implements the connection pool: a bounded set of
// authenticated remote sessions multiplexed across concurrent file
// operations, with idle reaping and keepalive driven by the timer.
package pool

import (
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"

	"github.com/cyverse/irodsfs-go/internal/rclient"
)

// Type classifies how a Connection may be shared.
type Type int

const (
	// FileIO connections are exclusively leased for the lifetime of one open
	// file.
	FileIO Type = iota
	// ShortOp connections may be leased concurrently by any number of short,
	// non-stateful callers (stat, readdir, ...).
	ShortOp
	// OneTimeUse connections are destroyed after their single use.
	OneTimeUse
)

// Connection is one authenticated remote session owned by the pool.
type Connection struct {
	id            uint64
	correlationID uuid.UUID
	connType      Type
	session       rclient.Session

	// Mu guards lastActTime, lastUseTime and inUseCnt. It is an
	// InvariantMutex so a build with invariant checking enabled catches any
	// violation of "inUseCnt >= 0" immediately.
	Mu syncutil.InvariantMutex

	lastActTime time.Time // GUARDED_BY(Mu)
	lastUseTime time.Time // GUARDED_BY(Mu)
	inUseCnt    int       // GUARDED_BY(Mu)
}

func newConnection(id uint64, t Type, s rclient.Session, now time.Time) *Connection {
	c := &Connection{
		id:            id,
		correlationID: uuid.New(),
		connType:      t,
		session:       s,
		lastActTime:   now,
		lastUseTime:   now,
	}
	c.Mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Connection) checkInvariants() {
	if c.inUseCnt < 0 {
		panic("pool: negative inUseCnt")
	}
	if c.lastActTime.Before(c.lastUseTime) {
		panic("pool: lastActTime before lastUseTime")
	}
}

// ID returns the connection's pool-assigned identifier.
func (c *Connection) ID() uint64 { return c.id }

// Session returns the underlying remote session for RPC use.
func (c *Connection) Session() rclient.Session { return c.session }

// Type returns the connection's sharing class.
func (c *Connection) Type() Type { return c.connType }

// InUse reports whether the connection currently has any lease outstanding.
//
// SHARED_LOCKS_REQUIRED(c.Mu)
func (c *Connection) InUse() bool { return c.inUseCnt > 0 }
