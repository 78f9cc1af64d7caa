// Package rclient defines the remote-RPC contract the filesystem core
// consumes: connecting, authenticating, and performing data-object and
// collection operations against a remote data-management catalog server.
// The core never imports a concrete protocol client; it depends only on the
// Session interface below, implemented for production by an out-of-tree
// protocol driver and for tests by rclient/fake.
package rclient

import (
	"context"
	"io"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Descriptor identifies an open remote data object within a Session.
type Descriptor int64

// CollHandle identifies an open remote collection iterator.
type CollHandle int64

// Stat is the remote attribute set for a path.
type Stat struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Mode    uint32
}

// DirEntry is one child of a listed collection.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Session is one authenticated connection to the remote catalog/resource
// server. Implementations are not required to be safe for concurrent use by
// more than one caller at a time; the connection pool and file-handle
// registry serialize access.
type Session interface {
	Login(ctx context.Context, host string, port int, zone, user, password string) error
	SetSessionTicket(ctx context.Context, ticket string) error
	Disconnect(ctx context.Context) error
	// Ping performs the cheapest possible round trip, used for keepalive and
	// connection health checks.
	Ping(ctx context.Context) error

	DataObjOpen(ctx context.Context, path string, flags int) (Descriptor, error)
	DataObjCreate(ctx context.Context, path string, mode uint32) (Descriptor, error)
	Close(ctx context.Context, fd Descriptor) error
	Lseek(ctx context.Context, fd Descriptor, offset int64, whence int) (int64, error)
	Read(ctx context.Context, fd Descriptor, buf []byte) (int, error)
	Write(ctx context.Context, fd Descriptor, buf []byte) (int, error)
	Unlink(ctx context.Context, path string) error
	DataObjTruncate(ctx context.Context, path string, size int64) error
	DataObjRename(ctx context.Context, oldPath, newPath string) error
	ModDataObjMeta(ctx context.Context, path string, mode uint32, modTime time.Time) error

	OpenCollection(ctx context.Context, path string) (CollHandle, error)
	CloseCollection(ctx context.Context, h CollHandle) error
	ReadCollection(ctx context.Context, h CollHandle) (DirEntry, error) // io.EOF when exhausted
	CollCreate(ctx context.Context, path string) error
	RmColl(ctx context.Context, path string) error

	ObjStat(ctx context.Context, path string) (Stat, error)

	// Symlink and Link create a soft or hard metadata link respectively;
	// Readlink resolves one back to its target.
	Symlink(ctx context.Context, target, linkPath string) error
	Link(ctx context.Context, oldPath, newPath string) error
	Readlink(ctx context.Context, path string) (string, error)
	Chown(ctx context.Context, path string, uid, gid int) error
	// Ioctl passes an opaque command through to the remote resource server,
	// used for the handful of vendor-specific control operations the POSIX
	// surface has no call for.
	Ioctl(ctx context.Context, path string, cmd int, arg []byte) ([]byte, error)

	// Classify reports whether err indicates the underlying transport
	// dropped, so the RPC facade knows to reconnect.
	Classify(err error) Class
}

// Class is the coarse classification Session.Classify assigns to an error.
type Class int

const (
	ClassOK Class = iota
	ClassNetworkDisconnect
	ClassSessionExpired
	ClassProtocolError
	ClassEOF
)

// NormalizePath returns the NFC-normalized form of p, the form the remote
// catalog expects for UTF-8 object and collection names.
func NormalizePath(p string) string {
	return norm.NFC.String(p)
}

// ErrEndOfCollection is returned by ReadCollection once every entry has been
// delivered.
var ErrEndOfCollection = io.EOF
