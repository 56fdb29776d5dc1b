package vfs

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

// Handle is an open file's POSIX-shaped state: an in-memory copy of its
// content, a cursor, the flags it was opened with, and a dirty bit
// gating whether Fsync/Close needs to write back at all. Ported from
// sqlite.rs's SqliteFileOps.
type Handle struct {
	v *Vfs

	mu     sync.Mutex
	ino    fsapi.InodeID // 0 until the first real flush, for a pending O_CREAT handle
	parent fsapi.InodeID
	name   string
	mode   os.FileMode

	data       []byte
	offset     int64
	flags      fsapi.OpenFlags
	dirty      bool
	atimeDirty bool
}

// Open resolves path and returns a Handle plus an opaque file descriptor.
// A path that doesn't exist yet but was opened with OCreate returns a
// "pending" handle whose backing inode is only actually created on first
// Fsync, Fstat or Close (get_or_create_ino in sqlite.rs). The pending
// handle starts dirty, so closing it without any write still creates an
// empty file at path.
func (v *Vfs) Open(ctx context.Context, path string, flags fsapi.OpenFlags, mode os.FileMode) (int, error) {
	parent, name, err := v.resolveParent(ctx, path)
	if err != nil {
		return 0, err
	}

	attr, lookErr := v.fs.Lookup(ctx, parent, name)
	exists := lookErr == nil
	if !exists && !errs.Is(lookErr, errs.NotFound) {
		return 0, lookErr
	}

	h := &Handle{v: v, parent: parent, name: name, mode: mode, flags: flags}

	switch {
	case !exists:
		if !flags.Has(fsapi.OCreate) {
			return 0, errs.New("vfs.Open", errs.NotFound)
		}
		h.dirty = true
	case flags.Has(fsapi.OCreate) && flags.Has(fsapi.OExclusive):
		return 0, errs.New("vfs.Open", errs.AlreadyExists)
	case attr.IsDir():
		return 0, errs.New("vfs.Open", errs.IsDirectory)
	default:
		h.ino = attr.Ino
		if err := v.fs.Open(ctx, attr.Ino); err != nil {
			return 0, err
		}
		if !flags.Has(fsapi.OTruncate) {
			content, err := v.readAll(ctx, attr.Ino)
			if err != nil {
				return 0, err
			}
			h.data = content
		} else {
			h.dirty = true
		}
	}

	fd := v.allocFD()
	v.mu.Lock()
	v.handles[fd] = h
	v.mu.Unlock()
	return fd, nil
}

func (v *Vfs) readAll(ctx context.Context, ino fsapi.InodeID) ([]byte, error) {
	attr, err := v.fs.GetAttr(ctx, ino)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, attr.Size)
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := v.fs.ReadAt(ctx, ino, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (v *Vfs) handle(fd int) (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handles[fd]
	if !ok {
		return nil, errs.New("vfs.handle", errs.InvalidInput)
	}
	return h, nil
}

func (v *Vfs) getOrCreateIno(ctx context.Context, h *Handle) (fsapi.InodeID, error) {
	if h.ino != 0 {
		return h.ino, nil
	}
	attr, err := v.fs.CreateFile(ctx, h.parent, h.name, h.mode)
	if err != nil {
		return 0, err
	}
	if err := v.fs.Open(ctx, attr.Ino); err != nil {
		return 0, err
	}
	h.ino = attr.Ino
	return h.ino, nil
}

// Read reads up to len(p) bytes at the handle's current offset, advancing
// it, and marks the handle's atime dirty for the opportunistic atime
// flush performed at Close/Fsync.
func (v *Vfs) Read(ctx context.Context, fd int, p []byte) (int, error) {
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.offset >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[h.offset:])
	h.offset += int64(n)
	h.atimeDirty = true
	return n, nil
}

// Write writes p at the handle's current offset (or at end-of-file if
// opened O_APPEND, re-evaluated on every call per POSIX append semantics),
// extending the in-memory buffer as needed.
func (v *Vfs) Write(ctx context.Context, fd int, p []byte) (int, error) {
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	pos := h.offset
	if h.flags.Has(fsapi.OAppend) {
		pos = int64(len(h.data))
	}
	end := pos + int64(len(p))
	if int64(len(h.data)) < end {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	n := copy(h.data[pos:end], p)
	h.offset = pos + int64(n)
	h.dirty = true
	return n, nil
}

// Seek repositions the handle's cursor per lseek(2) whence semantics.
func (v *Vfs) Seek(ctx context.Context, fd int, offset int64, whence int) (int64, error) {
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.offset
	case io.SeekEnd:
		base = int64(len(h.data))
	default:
		return 0, errs.New("vfs.Seek", errs.InvalidInput)
	}
	newOffset := base + offset
	if newOffset < 0 {
		return 0, errs.New("vfs.Seek", errs.InvalidInput)
	}
	h.offset = newOffset
	return newOffset, nil
}

// Fstat returns the attributes of the handle's backing inode, creating it
// first if this is still a pending O_CREAT handle.
func (v *Vfs) Fstat(ctx context.Context, fd int) (fsapi.Attr, error) {
	h, err := v.handle(fd)
	if err != nil {
		return fsapi.Attr{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ino, err := v.getOrCreateIno(ctx, h)
	if err != nil {
		return fsapi.Attr{}, err
	}
	attr, err := v.fs.GetAttr(ctx, ino)
	if err != nil {
		return fsapi.Attr{}, err
	}
	attr.Size = uint64(len(h.data))
	return attr, nil
}

// Fsync flushes the handle's dirty buffer back to the backing FileSystem
// and, if reads occurred since the last flush, coalesces a single atime
// update — the opportunistic atime policy this module adopts instead of
// writing atime on every read.
func (v *Vfs) Fsync(ctx context.Context, fd int) error {
	h, err := v.handle(fd)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return v.flushLocked(ctx, h)
}

// Fdatasync behaves identically to Fsync for this in-memory-buffered
// handle: there is no separate metadata-only flush path worth
// distinguishing once the whole file lives in one blob.
func (v *Vfs) Fdatasync(ctx context.Context, fd int) error {
	return v.Fsync(ctx, fd)
}

func (v *Vfs) flushLocked(ctx context.Context, h *Handle) error {
	if h.dirty {
		ino, err := v.getOrCreateIno(ctx, h)
		if err != nil {
			return err
		}
		size := uint64(len(h.data))
		if _, err := v.fs.SetAttr(ctx, ino, fsapi.SetAttrRequest{Size: &size}); err != nil {
			return err
		}
		if len(h.data) > 0 {
			if _, err := v.fs.WriteAt(ctx, ino, h.data, 0); err != nil {
				return err
			}
		}
		h.dirty = false
	}
	if h.atimeDirty && h.ino != 0 {
		now := v.clock.Now()
		_, _ = v.fs.SetAttr(ctx, h.ino, fsapi.SetAttrRequest{Atime: &now})
		h.atimeDirty = false
	}
	return nil
}

// Fcntl implements only F_GETFL/F_SETFL, the only fcntl commands
// meaningful without a real kernel file descriptor behind this handle;
// every other command is NotSupported.
func (v *Vfs) Fcntl(ctx context.Context, fd int, cmd int, arg int) (int, error) {
	const (
		fGetFL = 3
		fSetFL = 4
	)
	h, err := v.handle(fd)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd {
	case fGetFL:
		return int(h.flags), nil
	case fSetFL:
		h.flags = fsapi.OpenFlags(arg)
		return 0, nil
	default:
		return 0, errs.New("vfs.Fcntl", errs.NotSupported)
	}
}

// Ioctl is always unsupported: this adapter exposes no device-specific
// behavior for a guest to control.
func (v *Vfs) Ioctl(ctx context.Context, fd int, req uint, arg []byte) error {
	return errs.New("vfs.Ioctl", errs.NotSupported)
}

// Close flushes and releases fd. Per sqlite.rs, close is equivalent to
// fsync followed by releasing the handle.
func (v *Vfs) Close(ctx context.Context, fd int) error {
	h, err := v.handle(fd)
	if err != nil {
		return err
	}
	h.mu.Lock()
	ferr := v.flushLocked(ctx, h)
	ino := h.ino
	h.mu.Unlock()

	v.mu.Lock()
	delete(v.handles, fd)
	v.mu.Unlock()

	if ino != 0 {
		if rerr := v.fs.Release(ctx, ino); rerr != nil && ferr == nil {
			ferr = rerr
		}
	}
	return ferr
}
