package vfs

import (
	"context"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

// DirHandle is an open directory's getdents cursor: entries are fetched
// once via ReadDirPlus and served from an in-memory cache across
// repeated Getdents calls, with "." and ".." synthesized up front.
// Ported from sqlite.rs's SqliteDirectoryOps.
type DirHandle struct {
	ino      fsapi.InodeID
	parent   fsapi.InodeID
	entries  []fsapi.DirEntry
	position int
	loaded   bool
}

// OpenDir resolves path to a directory and returns a directory file
// descriptor.
func (v *Vfs) OpenDir(ctx context.Context, path string) (int, error) {
	attr, err := v.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if !attr.IsDir() {
		return 0, errs.New("vfs.OpenDir", errs.NotDirectory)
	}

	parentIno := attr.Ino
	if path != "/" && path != "" {
		if parentAttr, err := v.resolve(ctx, parentPath(path)); err == nil {
			parentIno = parentAttr.Ino
		}
	}

	d := &DirHandle{ino: attr.Ino, parent: parentIno}
	fd := v.allocFD()
	v.mu.Lock()
	v.dirs[fd] = d
	v.mu.Unlock()
	return fd, nil
}

func parentPath(path string) string {
	comps := splitPath(path)
	if len(comps) <= 1 {
		return "/"
	}
	out := "/"
	for _, c := range comps[:len(comps)-1] {
		out += c + "/"
	}
	return out
}

func (v *Vfs) dirHandle(fd int) (*DirHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	d, ok := v.dirs[fd]
	if !ok {
		return nil, errs.New("vfs.dirHandle", errs.InvalidInput)
	}
	return d, nil
}

func (v *Vfs) loadDir(ctx context.Context, d *DirHandle) error {
	if d.loaded {
		return nil
	}
	self, err := v.fs.GetAttr(ctx, d.ino)
	if err != nil {
		return err
	}
	parent, err := v.fs.GetAttr(ctx, d.parent)
	if err != nil {
		return err
	}
	entries, err := v.fs.ReadDirPlus(ctx, d.ino)
	if err != nil {
		return err
	}
	d.entries = append([]fsapi.DirEntry{
		{Name: ".", Attr: self},
		{Name: "..", Attr: parent},
	}, entries...)
	d.loaded = true
	return nil
}

// Getdents returns up to n directory entries starting from the handle's
// current position, advancing it. Returns an empty, nil-error slice at
// end-of-directory rather than an error, matching getdents64(2).
func (v *Vfs) Getdents(ctx context.Context, fd int, n int) ([]fsapi.DirEntry, error) {
	d, err := v.dirHandle(fd)
	if err != nil {
		return nil, err
	}
	if err := v.loadDir(ctx, d); err != nil {
		return nil, err
	}
	if d.position >= len(d.entries) {
		return nil, nil
	}
	end := d.position + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.position:end]
	d.position = end
	return out, nil
}

// RewindDir resets the handle's cursor to the beginning, forcing a reload
// on the next Getdents call so concurrent modifications become visible.
func (v *Vfs) RewindDir(ctx context.Context, fd int) error {
	d, err := v.dirHandle(fd)
	if err != nil {
		return err
	}
	d.position = 0
	d.loaded = false
	d.entries = nil
	return nil
}

// CloseDir releases a directory file descriptor.
func (v *Vfs) CloseDir(ctx context.Context, fd int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.dirs[fd]; !ok {
		return errs.New("vfs.CloseDir", errs.InvalidInput)
	}
	delete(v.dirs, fd)
	return nil
}
