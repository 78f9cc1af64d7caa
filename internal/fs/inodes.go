package fs

import (
	"sync"

	"github.com/cyverse/irodsfs-go/internal/rclient"
)

// InodeID identifies an inode the kernel has been told about. The root of
// the mount is always RootInodeID; every other ID is minted the first time
// a path is looked up and is stable for as long as the kernel holds a
// reference to it (i.e. until a ForgetInode call).
type InodeID uint64

// RootInodeID is the distinguished inode ID the kernel uses to refer to the
// root of the mount without a prior lookup.
const RootInodeID InodeID = 1

// inodeTable maps between the path-based Dispatcher's namespace and the
// numeric inode IDs the kernel-facing adapter hands out, mirroring the
// lookup-count bookkeeping a real inode table needs: an ID stays valid,
// and its path resolvable, until its reference count drops to zero via
// ForgetInode.
type inodeTable struct {
	mu      sync.Mutex
	nextID  InodeID
	byPath  map[string]InodeID
	byID    map[InodeID]string
	lookups map[InodeID]uint64
}

func newInodeTable() *inodeTable {
	t := &inodeTable{
		nextID:  RootInodeID + 1,
		byPath:  map[string]InodeID{"/": RootInodeID},
		byID:    map[InodeID]string{RootInodeID: "/"},
		lookups: map[InodeID]uint64{RootInodeID: 1},
	}
	return t
}

// lookup returns the inode ID for path, minting a new one if this is the
// first time it has been seen, and bumps its lookup count by one.
func (t *inodeTable) lookup(path string) InodeID {
	path = rclient.NormalizePath(path)
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byPath[path]
	if !ok {
		id = t.nextID
		t.nextID++
		t.byPath[path] = id
		t.byID[id] = path
	}
	t.lookups[id]++
	return id
}

// path returns the path currently bound to id, or "" if id is unknown (e.g.
// already forgotten).
func (t *inodeTable) path(id InodeID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	return p, ok
}

// forget decrements id's lookup count by n, removing it from the table once
// the count reaches zero. The root inode is never removed.
func (t *inodeTable) forget(id InodeID, n uint64) {
	if id == RootInodeID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lookups[id] <= n {
		delete(t.lookups, id)
		if p, ok := t.byID[id]; ok {
			delete(t.byID, id)
			delete(t.byPath, p)
		}
		return
	}
	t.lookups[id] -= n
}

// rename updates the table in place when a path moves, so already-minted
// inode IDs for it (and any descendants, for directories) keep resolving
// correctly without a ForgetInode/LookUpInode round trip.
func (t *inodeTable) rename(oldPath, newPath string) {
	oldPath = rclient.NormalizePath(oldPath)
	newPath = rclient.NormalizePath(newPath)
	t.mu.Lock()
	defer t.mu.Unlock()

	for p, id := range t.byPath {
		if p != oldPath && !hasPathPrefix(p, oldPath) {
			continue
		}
		renamed := newPath + p[len(oldPath):]
		delete(t.byPath, p)
		t.byPath[renamed] = id
		t.byID[id] = renamed
	}
}

func hasPathPrefix(p, prefix string) bool {
	if len(p) <= len(prefix) || p[len(prefix)] != '/' {
		return false
	}
	return p[:len(prefix)] == prefix
}
