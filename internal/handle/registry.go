// Package handle implements the file and directory handle registry: every
// open remote object or collection gets a monotonically-increasing id and a
// handle owning its remote descriptor, leased connection, and serializing
// lock.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/jacobsa/syncutil"

	"github.com/cyverse/irodsfs-go/internal/pool"
	"github.com/cyverse/irodsfs-go/internal/rclient"
)

// ID identifies an open file or directory handle. IDs are never reused
// within a process lifetime.
type ID uint64

// File is an open remote data object.
type File struct {
	id   ID
	path string
	flag int

	conn *pool.Connection
	fd   rclient.Descriptor

	// Mu serializes every remote read/write against this handle (invariant
	// d: exactly one concurrent remote read/write per handle) and guards
	// lastFilePointer.
	Mu syncutil.InvariantMutex

	lastFilePointer int64 // GUARDED_BY(Mu)
}

func (f *File) checkInvariants() {
	if f.lastFilePointer < 0 {
		panic("handle: negative lastFilePointer")
	}
}

func (f *File) ID() ID                        { return f.id }
func (f *File) Path() string                  { return f.path }
func (f *File) Connection() *pool.Connection  { return f.conn }
func (f *File) Descriptor() rclient.Descriptor { return f.fd }

// LastFilePointer returns the last observed remote file offset.
//
// SHARED_LOCKS_REQUIRED(f.Mu)
func (f *File) LastFilePointer() int64 { return f.lastFilePointer }

// SetLastFilePointer updates the last observed remote file offset.
//
// EXCLUSIVE_LOCKS_REQUIRED(f.Mu)
func (f *File) SetLastFilePointer(off int64) { f.lastFilePointer = off }

// Dir is an open remote collection.
type Dir struct {
	id   ID
	path string

	conn   *pool.Connection
	handle rclient.CollHandle

	Mu sync.RWMutex

	cachedEntries []rclient.DirEntry
}

func (d *Dir) ID() ID                       { return d.id }
func (d *Dir) Path() string                 { return d.path }
func (d *Dir) Connection() *pool.Connection { return d.conn }
func (d *Dir) Handle() rclient.CollHandle   { return d.handle }

// CachedEntries returns the pre-listed entries snapshot, if any.
//
// SHARED_LOCKS_REQUIRED(d.Mu)
func (d *Dir) CachedEntries() []rclient.DirEntry { return d.cachedEntries }

// SetCachedEntries installs a pre-listed entries snapshot.
//
// EXCLUSIVE_LOCKS_REQUIRED(d.Mu)
func (d *Dir) SetCachedEntries(entries []rclient.DirEntry) { d.cachedEntries = entries }

// Registry owns every open File and Dir handle.
type Registry struct {
	mu    sync.RWMutex
	files map[ID]*File
	dirs  map[ID]*Dir

	nextFileID atomic.Uint64
	nextDirID  atomic.Uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		files: make(map[ID]*File),
		dirs:  make(map[ID]*Dir),
	}
}

// Open registers a newly-opened remote data object and returns its handle.
func (r *Registry) Open(path string, flag int, conn *pool.Connection, fd rclient.Descriptor) *File {
	f := &File{
		id:   ID(r.nextFileID.Add(1)),
		path: path,
		flag: flag,
		conn: conn,
		fd:   fd,
	}
	f.Mu = syncutil.NewInvariantMutex(f.checkInvariants)

	r.mu.Lock()
	r.files[f.id] = f
	r.mu.Unlock()
	return f
}

// Reopen replaces a handle's remote descriptor and connection in place,
// without changing its id, and resets its last file pointer to 0.
func (r *Registry) Reopen(f *File, conn *pool.Connection, fd rclient.Descriptor) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.conn = conn
	f.fd = fd
	f.lastFilePointer = 0
}

// LookupFile returns the File for id, or nil if not open.
func (r *Registry) LookupFile(id ID) *File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.files[id]
}

// Close unregisters a file handle. The caller is responsible for closing the
// remote descriptor and releasing the connection beforehand.
func (r *Registry) Close(id ID) {
	r.mu.Lock()
	delete(r.files, id)
	r.mu.Unlock()
}

// DirOpen registers a newly-opened remote collection and returns its
// handle.
func (r *Registry) DirOpen(path string, conn *pool.Connection, h rclient.CollHandle) *Dir {
	d := &Dir{
		id:     ID(r.nextDirID.Add(1)),
		path:   path,
		conn:   conn,
		handle: h,
	}
	r.mu.Lock()
	r.dirs[d.id] = d
	r.mu.Unlock()
	return d
}

// LookupDir returns the Dir for id, or nil if not open.
func (r *Registry) LookupDir(id ID) *Dir {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirs[id]
}

// DirClose unregisters a directory handle.
func (r *Registry) DirClose(id ID) {
	r.mu.Lock()
	delete(r.dirs, id)
	r.mu.Unlock()
}

// OpenFileCount reports how many file handles are currently open, for
// metrics and shutdown-quiescence checks.
func (r *Registry) OpenFileCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}
