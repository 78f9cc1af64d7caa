package preload

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse/irodsfs-go/internal/block"
	"github.com/cyverse/irodsfs-go/internal/clock"
	"github.com/cyverse/irodsfs-go/internal/handle"
	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/internal/rclient/fake"
)

// harness wires a Slab's Opener/Closer to real private descriptors against a
// fake session, so tests exercise the same private-handle path production
// code does rather than an opaque stand-in fetch function.
type harness struct {
	sess  *fake.Session
	pool  *pool.Pool
	r     *handle.Registry
	opens int32
}

func newHarness(t *testing.T, path string, content []byte) *harness {
	t.Helper()
	sess := fake.New()
	if content != nil {
		sess.PutObject(path, content)
	}
	p := pool.New(pool.Options{MaxConn: 8, Clock: clock.Real{}}, func(ctx context.Context) (rclient.Session, error) {
		return sess, nil
	})
	return &harness{sess: sess, pool: p, r: handle.New()}
}

func (h *harness) open(path string) Opener {
	return func(ctx context.Context) (*handle.File, error) {
		atomic.AddInt32(&h.opens, 1)
		conn, err := h.pool.GetAndUse(ctx, pool.FileIO)
		if err != nil {
			return nil, err
		}
		fd, err := h.sess.DataObjOpen(ctx, path, 0)
		if err != nil {
			h.pool.Unuse(conn)
			return nil, err
		}
		return h.r.Open(path, 0, conn, fd), nil
	}
}

func (h *harness) close() Closer {
	return func(f *handle.File) {
		_ = h.sess.Close(context.Background(), f.Descriptor())
		h.pool.Unuse(f.Connection())
		h.r.Close(f.ID())
	}
}

// sequentialContent returns n bytes where byte i equals byte(i), so with
// blockSize 1 reading block id yields []byte{byte(id)}.
func sequentialContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestSlab_Read_ReturnsRequestedBlock(t *testing.T) {
	h := newHarness(t, "/zone/home/a", sequentialContent(16))
	s := NewSlab("/zone/home/a", 3, 2, 1, h.open("/zone/home/a"), h.close())
	defer s.Close()

	data, err := s.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
}

func TestSlab_Read_PrefetchesAheadOfTarget(t *testing.T) {
	h := newHarness(t, "/zone/home/a", sequentialContent(16))
	s := NewSlab("/zone/home/a", 2, 2, 1, h.open("/zone/home/a"), h.close())
	defer s.Close()

	_, err := s.Read(context.Background(), 0)
	require.NoError(t, err)

	// Give the read-ahead goroutines for blocks 1 and 2 a chance to run.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.opens) >= 3
	}, time.Second, time.Millisecond)
}

func TestSlab_Read_CachesAlreadyFetchedBlock(t *testing.T) {
	h := newHarness(t, "/zone/home/a", sequentialContent(16))
	s := NewSlab("/zone/home/a", 2, 2, 1, h.open("/zone/home/a"), h.close())
	defer s.Close()

	_, err := s.Read(context.Background(), 0)
	require.NoError(t, err)
	// Wait for block 0 and its two read-ahead blocks to be fetched.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.opens) >= 3
	}, time.Second, time.Millisecond)

	before := atomic.LoadInt32(&h.opens)
	_, err = s.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&h.opens))
}

func TestSlab_Read_EvictsBlocksBehindCurrentPosition(t *testing.T) {
	h := newHarness(t, "/zone/home/a", sequentialContent(16))
	s := NewSlab("/zone/home/a", 1, 2, 1, h.open("/zone/home/a"), h.close())
	defer s.Close()

	_, err := s.Read(context.Background(), 0)
	require.NoError(t, err)

	_, err = s.Read(context.Background(), 5)
	require.NoError(t, err)

	s.mu.Lock()
	for _, b := range s.blocks {
		assert.NotEqual(t, block.BlockID(0), b.id)
	}
	s.mu.Unlock()
}

func TestSlab_Read_RecyclesEvictedHandle(t *testing.T) {
	h := newHarness(t, "/zone/home/a", sequentialContent(16))
	s := NewSlab("/zone/home/a", 1, 2, 1, h.open("/zone/home/a"), h.close())
	defer s.Close()

	_, err := s.Read(context.Background(), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&h.opens) >= 2 // block 0 and its one read-ahead block
	}, time.Second, time.Millisecond)

	opensBeforeEviction := atomic.LoadInt32(&h.opens)

	// Jumping far enough ahead evicts every block opened above; the new
	// read's target and its one read-ahead block exactly match the number
	// of handles just freed, so both should be satisfied by recycling
	// instead of opening fresh descriptors.
	_, err = s.Read(context.Background(), 5)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let any (unwanted) fresh opens happen
	assert.Equal(t, opensBeforeEviction, atomic.LoadInt32(&h.opens))
}

func TestSlab_Read_PropagatesFetchError(t *testing.T) {
	h := newHarness(t, "/zone/home/a", nil) // no such object: open always fails
	s := NewSlab("/zone/home/a", 1, 1, 1, h.open("/zone/home/a"), h.close())
	defer s.Close()

	_, err := s.Read(context.Background(), 0)
	assert.Error(t, err)
}

func TestManager_OpenLookupClose(t *testing.T) {
	m := NewManager(2, 2, 1)

	r := handle.New()
	f := r.Open("/zone/home/a", 0, nil, 1)

	noopOpen := func(ctx context.Context) (*handle.File, error) { return nil, context.Canceled }
	noopClose := func(*handle.File) {}

	s := m.Open(f.ID(), f.Path(), noopOpen, noopClose)
	assert.Same(t, s, m.Lookup(f.ID()))

	m.Close(f.ID())
	assert.Nil(t, m.Lookup(f.ID()))
}
