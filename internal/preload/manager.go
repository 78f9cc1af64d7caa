package preload

import (
	"sync"

	"github.com/cyverse/irodsfs-go/internal/handle"
)

// Manager owns one Slab per open file handle that has preloading enabled.
type Manager struct {
	numBlocks  int
	numThreads int
	blockSize  int

	mu    sync.Mutex
	slabs map[handle.ID]*Slab
}

// NewManager builds a Manager using the given preload window/concurrency
// limits and block size for every slab it creates.
func NewManager(numBlocks, numThreads, blockSize int) *Manager {
	return &Manager{
		numBlocks:  numBlocks,
		numThreads: numThreads,
		blockSize:  blockSize,
		slabs:      make(map[handle.ID]*Slab),
	}
}

// Open creates a preload slab for a newly-opened file handle. open mints a
// private handle for a preload block when none is available to recycle;
// closeFn releases one that no block owns anymore.
func (m *Manager) Open(id handle.ID, path string, open Opener, closeFn Closer) *Slab {
	s := NewSlab(path, m.numBlocks, m.numThreads, m.blockSize, open, closeFn)
	m.mu.Lock()
	m.slabs[id] = s
	m.mu.Unlock()
	return s
}

// Lookup returns the slab for id, or nil if none is open (preloading
// disabled, or the handle is a directory).
func (m *Manager) Lookup(id handle.ID) *Slab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slabs[id]
}

// Close tears down and forgets the slab for id, if any.
func (m *Manager) Close(id handle.ID) {
	m.mu.Lock()
	s := m.slabs[id]
	delete(m.slabs, id)
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// Count returns the number of open slabs, for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slabs)
}
