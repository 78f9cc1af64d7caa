// Package errno maps the filesystem core's classified errors onto the
// syscall.Errno values the kernel expects a FUSE reply to carry.
package errno

import (
	"syscall"

	"github.com/cyverse/irodsfs-go/internal/errs"
)

// FromKind returns the errno the kernel should see for a classified error
// kind. Kinds without an obvious POSIX analog map to EIO, matching the
// original's default-to-EIO behavior for unclassified remote failures.
func FromKind(k errs.Kind) syscall.Errno {
	switch k {
	case errs.LookupMiss:
		return syscall.ENOENT
	case errs.PermissionDenied:
		return syscall.EACCES
	case errs.NetworkDisconnect:
		return syscall.ENOTCONN
	case errs.RPCTimeout:
		return syscall.ETIMEDOUT
	case errs.ResourceExhausted:
		return syscall.ENOMEM
	case errs.InvalidArgument:
		return syscall.EINVAL
	case errs.EOF:
		return 0
	case errs.CacheStale:
		return syscall.ESTALE
	case errs.RemoteProtocolError:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// FromError classifies err via errs.KindOf and maps the result to an errno.
// A nil err maps to 0 (success).
func FromError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return FromKind(errs.KindOf(err))
}
