// Package fsapi defines the FileSystem capability every layer of this
// module (AgentFS, HostFS, OverlayFS) implements, and the VFS adapter
// consumes. Every operation is keyed by inode and/or (parent inode, name)
// — never by a path string — per the path-free design this module requires.
//
// The shape generalizes the teacher's (jacobsa/fuse) FileSystem interface
// in file_system.go: InodeID, Attr and DirEntry play the role its
// InodeID/InodeAttributes/ChildInodeEntry play, but every method here
// drops the FUSE-specific request/response envelope (Header, Handle,
// kernel generation numbers) that has no meaning outside a FUSE kernel
// binding.
package fsapi

import (
	"context"
	"os"
	"time"
)

// InodeID identifies an inode within one FileSystem. It is only comparable
// to other InodeIDs from the same FileSystem; OverlayFS inode numbers are
// synthesized independently of the base/delta layers it composes.
type InodeID uint64

// RootInodeID is the inode number of the root directory of every
// FileSystem implementation, fixed and never garbage collected.
const RootInodeID InodeID = 1

// FileType mirrors the small set of POSIX file types this module supports.
type FileType uint8

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

// Attr is the subset of POSIX inode metadata every layer reports and
// accepts for SetAttr.
type Attr struct {
	Ino   InodeID
	Size  uint64
	Nlink uint32
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir reports whether Attr describes a directory.
func (a Attr) IsDir() bool { return a.Mode&os.ModeDir != 0 }

// IsSymlink reports whether Attr describes a symlink.
func (a Attr) IsSymlink() bool { return a.Mode&os.ModeSymlink != 0 }

// DirEntry is one name within a directory, as returned by ReadDirPlus.
type DirEntry struct {
	Name string
	Attr Attr
}

// SetAttrRequest carries the optional fields SetAttr may update; a nil
// field means "leave unchanged", mirroring the teacher's pointer-optional
// SetInodeAttributesRequest fields in file_system.go.
type SetAttrRequest struct {
	Size  *uint64
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Atime *time.Time
	Mtime *time.Time
}

// OpenFlags mirrors the POSIX open(2) flag bits this module interprets.
type OpenFlags uint32

const (
	OReadOnly OpenFlags = 1 << iota
	OWriteOnly
	OReadWrite
	OCreate
	OExclusive
	OTruncate
	OAppend
)

func (f OpenFlags) Has(bit OpenFlags) bool { return f&bit != 0 }

// FileSystem is the path-free capability every filesystem layer
// implements. All operations accept a context for cancellation/deadline
// propagation, following the teacher's ctx-first convention.
type FileSystem interface {
	// GetAttr returns the attributes of ino.
	GetAttr(ctx context.Context, ino InodeID) (Attr, error)

	// SetAttr applies req's non-nil fields to ino and returns the
	// resulting attributes.
	SetAttr(ctx context.Context, ino InodeID, req SetAttrRequest) (Attr, error)

	// Lookup resolves name within directory parent, returning the
	// child's attributes.
	Lookup(ctx context.Context, parent InodeID, name string) (Attr, error)

	// ReadDirPlus returns every entry of directory ino, each already
	// carrying its Attr (avoiding an extra GetAttr round trip per
	// entry, the "plus" in readdir_plus).
	ReadDirPlus(ctx context.Context, ino InodeID) ([]DirEntry, error)

	// CreateFile creates a regular file named name in parent with mode
	// and returns its attributes.
	CreateFile(ctx context.Context, parent InodeID, name string, mode os.FileMode) (Attr, error)

	// Mkdir creates a directory named name in parent with mode.
	Mkdir(ctx context.Context, parent InodeID, name string, mode os.FileMode) (Attr, error)

	// Symlink creates a symlink named name in parent pointing at target.
	Symlink(ctx context.Context, parent InodeID, name, target string) (Attr, error)

	// Readlink returns the target of symlink ino.
	Readlink(ctx context.Context, ino InodeID) (string, error)

	// Link creates a hard link named name in parent pointing at the
	// existing inode ino. Directories may never be hard-linked.
	Link(ctx context.Context, parent InodeID, name string, ino InodeID) (Attr, error)

	// Unlink removes the directory entry name from parent. If it was
	// the last link, the inode's data and dentry bookkeeping are
	// reclaimed once no open handle references it (immediately if none
	// already does) — see Open/Release.
	Unlink(ctx context.Context, parent InodeID, name string) error

	// Rmdir removes the empty directory named name from parent.
	Rmdir(ctx context.Context, parent InodeID, name string) error

	// Rename atomically moves/renames the entry named oldName in
	// oldParent to newName in newParent, replacing any existing
	// newName per POSIX rename(2) overwrite semantics.
	Rename(ctx context.Context, oldParent InodeID, oldName string, newParent InodeID, newName string) error

	// ReadAt reads from file ino's content at off into p, returning the
	// number of bytes read.
	ReadAt(ctx context.Context, ino InodeID, p []byte, off int64) (int, error)

	// WriteAt writes p into file ino's content at off, extending the
	// file and zero-filling any gap if off is past the current end.
	WriteAt(ctx context.Context, ino InodeID, p []byte, off int64) (int, error)

	// Open registers one live handle against ino, keyed independently of
	// nlink: an inode whose link count has already reached zero is kept
	// on disk, readable and writable, for as long as at least one open
	// handle references it.
	Open(ctx context.Context, ino InodeID) error

	// Release unregisters one handle reference installed by Open. Once
	// ino's link count is zero and the last open handle is released,
	// its data and inode rows are reclaimed.
	Release(ctx context.Context, ino InodeID) error

	// Forget releases any in-memory reference this FileSystem keeps for
	// ino on behalf of a caller that no longer needs it (e.g. a FUSE
	// kernel FORGET). Implementations for which this is a no-op must
	// still accept the call.
	Forget(ctx context.Context, ino InodeID, n uint64) error
}
