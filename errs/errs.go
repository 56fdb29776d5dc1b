// Package errs defines the domain error taxonomy shared by every
// filesystem layer (agentfs, hostfs, overlayfs, vfs) and the mapping from
// that taxonomy to POSIX errno values expected by a guest-facing front end.
package errs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind identifies a class of filesystem error, independent of which layer
// raised it.
type Kind int

const (
	Internal Kind = iota
	NotFound
	AlreadyExists
	PermissionDenied
	NotDirectory
	IsDirectory
	NotEmpty
	ReadOnly
	InvalidInput
	Storage
	NotSupported
	TooManySymlinks
	NoSpace
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case PermissionDenied:
		return "permission_denied"
	case NotDirectory:
		return "not_directory"
	case IsDirectory:
		return "is_directory"
	case NotEmpty:
		return "not_empty"
	case ReadOnly:
		return "read_only"
	case InvalidInput:
		return "invalid_input"
	case Storage:
		return "storage"
	case NotSupported:
		return "not_supported"
	case TooManySymlinks:
		return "too_many_symlinks"
	case NoSpace:
		return "no_space"
	default:
		return "internal"
	}
}

// Error is a typed domain error. It wraps an optional underlying cause so
// that storage-layer failures keep their original context via errors.Is /
// errors.As while still classifying cleanly into a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a new domain error of the given kind for operation op.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds a new domain error of the given kind, carrying cause as the
// wrapped error.
func Wrap(op string, kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal if err is not a
// domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return Internal
	}
	return Internal
}

// Errno maps a domain error to the POSIX errno a guest-facing front end
// (FUSE, NFS, ptrace syscall emulation) should surface. Sentinel table
// grounded on spec's error-handling design: every Kind maps to exactly one
// errno, a nil error maps to 0, and any non-nil error that is not a
// recognized domain error maps to EIO so a bug here never reports success.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case NotFound:
		return unix.ENOENT
	case AlreadyExists:
		return unix.EEXIST
	case PermissionDenied:
		return unix.EACCES
	case NotDirectory:
		return unix.ENOTDIR
	case IsDirectory:
		return unix.EISDIR
	case NotEmpty:
		return unix.ENOTEMPTY
	case ReadOnly:
		return unix.EROFS
	case InvalidInput:
		return unix.EINVAL
	case NotSupported:
		return unix.ENOTSUP
	case TooManySymlinks:
		return unix.ELOOP
	case NoSpace:
		return unix.ENOSPC
	case Storage:
		return unix.EIO
	default:
		return unix.EIO
	}
}

// Sentinel convenience constructors used pervasively across layers.
func NotFoundf(op, format string, a ...any) error {
	return New(op, NotFound).(*Error).withMsg(format, a...)
}

func (e *Error) withMsg(format string, a ...any) error {
	e.Err = fmt.Errorf(format, a...)
	return e
}
