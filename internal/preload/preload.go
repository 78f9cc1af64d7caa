// Package preload implements read-ahead preloading: for each open file handle
// a slab of speculative block fetches runs ahead of the reader, so sequential
// reads observe the remote round trip only on the first access to a block
// window rather than on every block.
package preload

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cyverse/irodsfs-go/internal/block"
	"github.com/cyverse/irodsfs-go/internal/handle"
	"github.com/cyverse/irodsfs-go/internal/logger"
)

// Status is a preload block's lifecycle state.
type Status int

const (
	StatusInit Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

// Opener opens a private file handle for a preload block to read through: a
// second descriptor on the slab's path, independent of the foreground
// handle, so a speculative fetch never shares (and never corrupts) the
// foreground reader's remote file pointer.
type Opener func(ctx context.Context) (*handle.File, error)

// Closer releases a private handle obtained from an Opener, or handed back
// by the recycle list at Slab.Close.
type Closer func(h *handle.File)

// pblock is one speculatively-fetched block, in flight or completed. It
// owns a private handle once one has been opened or adopted for it; the
// handle is detached (set to nil) once ownership passes elsewhere, so it is
// only ever closed once.
type pblock struct {
	id     block.BlockID
	mu     sync.RWMutex
	status Status
	data   []byte
	err    error
	handle *handle.File
	done   chan struct{}
}

func (p *pblock) wait() {
	<-p.done
}

// detachHandle takes ownership of p's private handle away from p, if any,
// returning it to the caller to recycle or close.
func (p *pblock) detachHandle() *handle.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.handle
	p.handle = nil
	return h
}

// Slab is the per-open-file-handle preload window. Unlike the lock it was
// ported from, a Slab's lock guards only that file's own blocks, so
// concurrent reads on two different open files never contend with each
// other (see SPEC_FULL.md §5 level-6 lock).
type Slab struct {
	path      string
	blockSize int
	open      Opener
	closeFn   Closer

	numBlocks  int
	numThreads int
	sem        *semaphore.Weighted

	mu      sync.Mutex
	blocks  []*pblock     // ordered oldest-requested to newest, like the original's std::list
	recycle []*handle.File // private handles freed by eviction, awaiting reuse
	closed  bool
}

// NewSlab creates a preload window for one open file. numBlocks bounds how
// far ahead of the current read position blocks are kept or prefetched;
// numThreads bounds how many of those fetches may run concurrently. Both
// are expected to already be clamped by cfg.Validate. open is used to mint a
// private handle the first time a block needs one and none is available to
// recycle; closeFn releases a handle no longer owned by any block.
func NewSlab(path string, numBlocks, numThreads, blockSize int, open Opener, closeFn Closer) *Slab {
	return &Slab{
		path:       path,
		blockSize:  blockSize,
		open:       open,
		closeFn:    closeFn,
		numBlocks:  numBlocks,
		numThreads: numThreads,
		sem:        semaphore.NewWeighted(int64(numThreads)),
	}
}

// Read returns the full contents of block id, triggering it (and starting
// read-ahead for the blocks following it, up to numBlocks) if not already
// in flight or cached.
func (s *Slab) Read(ctx context.Context, id block.BlockID) ([]byte, error) {
	s.mu.Lock()

	var target *pblock
	var toRemove []*pblock // blocks fallen out of the window, evicted below
	kept := s.blocks[:0]
	for _, b := range s.blocks {
		switch {
		case b.id == id:
			target = b
			kept = append(kept, b)
		case id > b.id || int64(id)+int64(s.numBlocks) < int64(b.id):
			// Behind the current position, or so far ahead it can't be a
			// read-ahead hit for this access: evict.
			toRemove = append(toRemove, b)
		default:
			kept = append(kept, b)
		}
	}
	s.blocks = kept
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, context.Canceled
	}

	// Join the evicted blocks' workers, then move any completed block that
	// still owns its private handle onto the recycle list instead of
	// freeing it outright — the next launched block may be able to reuse
	// it and skip a fresh DataObjOpen.
	for _, b := range toRemove {
		b.wait()
		h := b.detachHandle()
		if h == nil {
			continue
		}
		b.mu.RLock()
		completed := b.status == StatusCompleted
		b.mu.RUnlock()
		if completed {
			s.mu.Lock()
			s.recycle = append(s.recycle, h)
			s.mu.Unlock()
		} else {
			s.closeHandle(h)
		}
	}

	s.mu.Lock()
	if target == nil {
		target = &pblock{id: id, status: StatusInit, done: make(chan struct{}), handle: s.adoptLocked()}
		s.blocks = append(s.blocks, target)
		s.startLocked(ctx, target)
	}

	// Fill the read-ahead window with any missing blocks beyond id, up to
	// numBlocks deep, preferring a recycled handle over opening a fresh one.
	existing := map[block.BlockID]bool{id: true}
	for _, b := range s.blocks {
		existing[b.id] = true
	}
	for off := 1; off <= s.numBlocks; off++ {
		next := block.BlockID(int64(id) + int64(off))
		if existing[next] {
			continue
		}
		b := &pblock{id: next, status: StatusInit, done: make(chan struct{}), handle: s.adoptLocked()}
		s.blocks = append(s.blocks, b)
		s.startLocked(ctx, b)
	}

	// Free any handles recycling couldn't find a taker for this round.
	leftover := s.recycle
	s.recycle = nil
	s.mu.Unlock()

	for _, h := range leftover {
		s.closeHandle(h)
	}

	target.wait()

	target.mu.RLock()
	defer target.mu.RUnlock()
	if target.err != nil {
		return nil, target.err
	}
	return target.data, nil
}

// adoptLocked pops a private handle off the recycle list for reuse, or
// returns nil if none is available (the block's worker then opens a fresh
// one).
// EXCLUSIVE_LOCKS_REQUIRED(s.mu)
func (s *Slab) adoptLocked() *handle.File {
	if len(s.recycle) == 0 {
		return nil
	}
	h := s.recycle[0]
	s.recycle = s.recycle[1:]
	return h
}

func (s *Slab) closeHandle(h *handle.File) {
	if s.closeFn != nil {
		s.closeFn(h)
	}
}

// EXCLUSIVE_LOCKS_REQUIRED(s.mu)
func (s *Slab) startLocked(ctx context.Context, b *pblock) {
	b.mu.Lock()
	b.status = StatusRunning
	b.mu.Unlock()

	go func() {
		defer close(b.done)

		if err := s.sem.Acquire(ctx, 1); err != nil {
			b.mu.Lock()
			b.status = StatusFailed
			b.err = err
			b.mu.Unlock()
			return
		}
		defer s.sem.Release(1)

		b.mu.RLock()
		h := b.handle
		b.mu.RUnlock()
		if h == nil {
			var err error
			h, err = s.open(ctx)
			if err != nil {
				logger.Debugf("preload: open failed for %s block %d: %v", s.path, b.id, err)
				b.mu.Lock()
				b.status = StatusFailed
				b.err = err
				b.mu.Unlock()
				return
			}
			b.mu.Lock()
			b.handle = h
			b.mu.Unlock()
		}

		data, err := block.ReadBlockAt(ctx, h, b.id, s.blockSize)

		b.mu.Lock()
		defer b.mu.Unlock()
		if err != nil {
			logger.Debugf("preload: fetch failed for %s block %d: %v", s.path, b.id, err)
			b.status = StatusFailed
			b.err = err
			return
		}
		b.data = data
		b.status = StatusCompleted
	}()
}

// Close waits for any in-flight fetches to finish, closes every block's
// private handle, and discards the window. Further Read calls return an
// error.
func (s *Slab) Close() {
	s.mu.Lock()
	s.closed = true
	blocks := s.blocks
	s.blocks = nil
	leftover := s.recycle
	s.recycle = nil
	s.mu.Unlock()

	for _, h := range leftover {
		s.closeHandle(h)
	}

	for _, b := range blocks {
		b.wait()
		if h := b.detachHandle(); h != nil {
			s.closeHandle(h)
		}
	}
}
