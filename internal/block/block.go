// Package block implements the block buffer cache: it converts arbitrary
// byte-range reads and writes against an open file handle into block-
// aligned transfers against the remote RPC facade.
package block

import (
	"context"
	"sync"

	"github.com/cyverse/irodsfs-go/internal/handle"
)

// BlockID identifies a block-aligned offset range within a file.
type BlockID int64

// ID returns the block id that offset falls within, given blockSize.
func ID(offset int64, blockSize int) BlockID {
	return BlockID(offset / int64(blockSize))
}

// Start returns the byte offset where block id begins.
func Start(id BlockID, blockSize int) int64 {
	return int64(id) * int64(blockSize)
}

// InBlockOffset returns how far into its block offset falls.
func InBlockOffset(offset int64, blockSize int) int {
	return int(offset % int64(blockSize))
}

// entry is one cached block's payload.
type entry struct {
	mu   sync.Mutex
	data []byte // len <= blockSize; short iff this is the file's last block
	size int
}

// Cache is the block buffer cache for a single open file handle.
type Cache struct {
	blockSize int

	mu      sync.Mutex
	entries map[BlockID]*entry
}

// New builds a Cache with the given block size. Cache-miss reads and writes
// are sent over the file handle's own leased connection (handle.File.Connection),
// since the remote descriptor a handle holds is only valid on the session it
// was opened against.
func New(blockSize int) *Cache {
	return &Cache{
		blockSize: blockSize,
		entries:   make(map[BlockID]*entry),
	}
}

// BlockSize returns the configured block size.
func (c *Cache) BlockSize() int { return c.blockSize }

// ReadBlock returns the full contents of block id for f, fetching from the
// remote on a cache miss. The returned slice must not be mutated by the
// caller; Write invalidates cached blocks it touches.
func (c *Cache) ReadBlock(ctx context.Context, f *handle.File, id BlockID) ([]byte, error) {
	e := c.entryFor(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.data != nil {
		return e.data[:e.size], nil
	}

	buf := make([]byte, c.blockSize)
	f.Mu.Lock()
	n, err := readAt(ctx, f, Start(id, c.blockSize), buf)
	f.Mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.data = buf
	e.size = n
	return e.data[:e.size], nil
}

// ReadBlockAt reads one full block directly from f's remote descriptor, with
// none of Cache's per-handle entries bookkeeping. It exists for callers that
// hold a handle exactly one block will ever be read from — the preloader's
// private, per-block descriptors — so there is nothing worth caching.
func ReadBlockAt(ctx context.Context, f *handle.File, id BlockID, blockSize int) ([]byte, error) {
	buf := make([]byte, blockSize)
	f.Mu.Lock()
	n, err := readAt(ctx, f, Start(id, blockSize), buf)
	f.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Read copies min(len(p), remaining) bytes starting at offset into p,
// composing across as many blocks as needed.
func (c *Cache) Read(ctx context.Context, f *handle.File, offset int64, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		id := ID(offset+int64(total), c.blockSize)
		block, err := c.ReadBlock(ctx, f, id)
		if err != nil {
			return total, err
		}

		start := InBlockOffset(offset+int64(total), c.blockSize)
		if start >= len(block) {
			break // short block: end of file
		}
		n := copy(p[total:], block[start:])
		total += n
		if n < len(block)-start {
			break
		}
		if len(block) < c.blockSize {
			break // this was the last, short block
		}
	}
	return total, nil
}

// Write sends p to the remote at offset and invalidates every cached block
// it overlaps, so a subsequent Read observes the new data.
func (c *Cache) Write(ctx context.Context, f *handle.File, offset int64, p []byte) (int, error) {
	f.Mu.Lock()
	n, err := writeAt(ctx, f, offset, p)
	f.Mu.Unlock()
	if err != nil {
		return n, err
	}

	first := ID(offset, c.blockSize)
	last := ID(offset+int64(len(p))-1, c.blockSize)
	c.mu.Lock()
	for id := first; id <= last; id++ {
		delete(c.entries, id)
	}
	c.mu.Unlock()

	return n, nil
}

// Flush is a no-op: writes are sent synchronously, there is no write-back
// buffer to drain.
func (c *Cache) Flush(ctx context.Context, f *handle.File) error { return nil }

// Invalidate drops a single cached block.
func (c *Cache) Invalidate(id BlockID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cache) entryFor(id BlockID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	return e
}

// readAt lseeks only if f's remote file pointer isn't already at offset, so
// a sequential reader issues one RPC per block instead of two.
// EXCLUSIVE_LOCKS_REQUIRED(f.Mu)
func readAt(ctx context.Context, f *handle.File, offset int64, buf []byte) (int, error) {
	s := f.Connection().Session()
	if f.LastFilePointer() != offset {
		if _, err := s.Lseek(ctx, f.Descriptor(), offset, 0); err != nil {
			return 0, err
		}
	}
	n, err := s.Read(ctx, f.Descriptor(), buf)
	if err != nil {
		return 0, err
	}
	f.SetLastFilePointer(offset + int64(n))
	return n, nil
}

// EXCLUSIVE_LOCKS_REQUIRED(f.Mu)
func writeAt(ctx context.Context, f *handle.File, offset int64, buf []byte) (int, error) {
	s := f.Connection().Session()
	if f.LastFilePointer() != offset {
		if _, err := s.Lseek(ctx, f.Descriptor(), offset, 0); err != nil {
			return 0, err
		}
	}
	n, err := s.Write(ctx, f.Descriptor(), buf)
	if err != nil {
		return 0, err
	}
	f.SetLastFilePointer(offset + int64(n))
	return n, nil
}
