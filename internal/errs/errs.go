// Package errs defines the tagged error taxonomy shared by every layer of
// the filesystem core. Internal code returns and checks these kinds rather
// than raw errno values; only the dispatch shim (internal/fs/errno) ever
// translates a Kind into something POSIX-shaped.
package errs

import "fmt"

// Kind tags an error with the taxonomy category it belongs to.
type Kind int

const (
	Unknown Kind = iota
	LookupMiss
	PermissionDenied
	RemoteProtocolError
	NetworkDisconnect
	RPCTimeout
	ResourceExhausted
	InvalidArgument
	EOF
	CacheStale
)

func (k Kind) String() string {
	switch k {
	case LookupMiss:
		return "lookup-miss"
	case PermissionDenied:
		return "permission-denied"
	case RemoteProtocolError:
		return "remote-protocol-error"
	case NetworkDisconnect:
		return "network-disconnect"
	case RPCTimeout:
		return "rpc-timeout"
	case ResourceExhausted:
		return "resource-exhausted"
	case InvalidArgument:
		return "invalid-argument"
	case EOF:
		return "eof"
	case CacheStale:
		return "cache-stale"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind and the remote path
// (if any) the error pertains to.
type Error struct {
	Kind  Kind
	Path  string
	Cause error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged Error.
func New(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Cause: cause}
}

// KindOf extracts the Kind of err, or Unknown if err is not (or does not
// wrap) an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	if as, ok := err.(*Error); ok {
		return as.Kind
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return KindOf(u.Unwrap())
	}
	return Unknown
}

// IsRetryable reports whether the RPC facade should attempt one
// reconnect-and-retry cycle for this error.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case NetworkDisconnect:
		return true
	default:
		return false
	}
}
