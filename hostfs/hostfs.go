// Package hostfs implements fsapi.FileSystem as a read-only view of a host
// directory subtree, used as the base layer of an OverlayFS. Inode numbers
// are synthesized from the host device+inode pair so the same host file
// always maps to the same fsapi.InodeID for the lifetime of the process;
// traversal is confined to the configured root exactly as any base-layer
// adapter in the corpus confines a chroot.
package hostfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

// hostKey identifies a host inode by the (device, inode) pair the kernel
// uses to decide two directory entries are hard links to the same file.
type hostKey struct {
	dev uint64
	ino uint64
}

// HostFS is a read-only fsapi.FileSystem rooted at a host directory.
type HostFS struct {
	root string

	mu       sync.Mutex
	inoToRel map[fsapi.InodeID]string
	keyToIno map[hostKey]fsapi.InodeID
	relToIno map[string]fsapi.InodeID // fallback when Sys() has no Stat_t
	next     fsapi.InodeID
}

// New returns a HostFS rooted at root. root must exist and be a directory.
func New(root string) (*HostFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap("hostfs.New", errs.InvalidInput, err)
	}
	info, err := os.Lstat(abs)
	if err != nil || !info.IsDir() {
		return nil, errs.New("hostfs.New", errs.NotDirectory)
	}
	h := &HostFS{
		root:     abs,
		inoToRel: map[fsapi.InodeID]string{fsapi.RootInodeID: ""},
		keyToIno: map[hostKey]fsapi.InodeID{},
		relToIno: map[string]fsapi.InodeID{"": fsapi.RootInodeID},
		next:     fsapi.RootInodeID + 1,
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		h.keyToIno[hostKey{dev: uint64(st.Dev), ino: st.Ino}] = fsapi.RootInodeID
	}
	return h, nil
}

func (h *HostFS) hostPath(rel string) string {
	if rel == "" {
		return h.root
	}
	return filepath.Join(h.root, rel)
}

// internIno assigns (or reuses) a stable InodeID for rel, keyed off info's
// host (device, inode) pair so every hard link to the same host file maps
// to the same fsapi.InodeID regardless of which path first resolved it.
// rel is always built by joining a known relative directory with a single
// path component, never from an externally supplied path string, which is
// what guards against traversal outside root.
func (h *HostFS) internIno(rel string, info os.FileInfo) fsapi.InodeID {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		// No (dev, ino) available; fall back to a path-keyed identity so
		// the same rel still maps to the same InodeID within this process.
		if ino, ok := h.relToIno[rel]; ok {
			return ino
		}
		ino := h.next
		h.next++
		h.relToIno[rel] = ino
		h.inoToRel[ino] = rel
		return ino
	}

	key := hostKey{dev: uint64(st.Dev), ino: st.Ino}
	if ino, ok := h.keyToIno[key]; ok {
		h.inoToRel[ino] = rel
		return ino
	}
	ino := h.next
	h.next++
	h.keyToIno[key] = ino
	h.inoToRel[ino] = rel
	return ino
}

func (h *HostFS) relOf(ino fsapi.InodeID) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rel, ok := h.inoToRel[ino]
	if !ok {
		return "", errs.New("hostfs.relOf", errs.NotFound)
	}
	return rel, nil
}

func attrFromInfo(ino fsapi.InodeID, info os.FileInfo) fsapi.Attr {
	a := fsapi.Attr{
		Ino:   ino,
		Size:  uint64(info.Size()),
		Mode:  info.Mode(),
		Nlink: 1,
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
		Atime: info.ModTime(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.Uid = st.Uid
		a.Gid = st.Gid
		a.Nlink = uint32(st.Nlink)
	}
	return a
}

func (h *HostFS) GetAttr(ctx context.Context, ino fsapi.InodeID) (fsapi.Attr, error) {
	rel, err := h.relOf(ino)
	if err != nil {
		return fsapi.Attr{}, err
	}
	info, err := os.Lstat(h.hostPath(rel))
	if err != nil {
		return fsapi.Attr{}, errs.Wrap("hostfs.GetAttr", errs.NotFound, err)
	}
	return attrFromInfo(ino, info), nil
}

func (h *HostFS) SetAttr(ctx context.Context, ino fsapi.InodeID, req fsapi.SetAttrRequest) (fsapi.Attr, error) {
	return fsapi.Attr{}, errs.New("hostfs.SetAttr", errs.ReadOnly)
}

func (h *HostFS) Lookup(ctx context.Context, parent fsapi.InodeID, name string) (fsapi.Attr, error) {
	parentRel, err := h.relOf(parent)
	if err != nil {
		return fsapi.Attr{}, err
	}
	if name == "." || name == ".." || filepath.Base(name) != name {
		return fsapi.Attr{}, errs.New("hostfs.Lookup", errs.InvalidInput)
	}
	rel := filepath.Join(parentRel, name)
	info, err := os.Lstat(h.hostPath(rel))
	if err != nil {
		return fsapi.Attr{}, errs.NotFoundf("hostfs.Lookup", "%s: no such entry under host root", rel)
	}
	ino := h.internIno(rel, info)
	return attrFromInfo(ino, info), nil
}

func (h *HostFS) ReadDirPlus(ctx context.Context, ino fsapi.InodeID) ([]fsapi.DirEntry, error) {
	rel, err := h.relOf(ino)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(h.hostPath(rel))
	if err != nil {
		return nil, errs.Wrap("hostfs.ReadDirPlus", errs.Storage, err)
	}
	out := make([]fsapi.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		childRel := filepath.Join(rel, e.Name())
		childIno := h.internIno(childRel, info)
		out = append(out, fsapi.DirEntry{Name: e.Name(), Attr: attrFromInfo(childIno, info)})
	}
	return out, nil
}

func (h *HostFS) CreateFile(ctx context.Context, parent fsapi.InodeID, name string, mode os.FileMode) (fsapi.Attr, error) {
	return fsapi.Attr{}, errs.New("hostfs.CreateFile", errs.ReadOnly)
}

func (h *HostFS) Mkdir(ctx context.Context, parent fsapi.InodeID, name string, mode os.FileMode) (fsapi.Attr, error) {
	return fsapi.Attr{}, errs.New("hostfs.Mkdir", errs.ReadOnly)
}

func (h *HostFS) Symlink(ctx context.Context, parent fsapi.InodeID, name, target string) (fsapi.Attr, error) {
	return fsapi.Attr{}, errs.New("hostfs.Symlink", errs.ReadOnly)
}

func (h *HostFS) Readlink(ctx context.Context, ino fsapi.InodeID) (string, error) {
	rel, err := h.relOf(ino)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(h.hostPath(rel))
	if err != nil {
		return "", errs.Wrap("hostfs.Readlink", errs.InvalidInput, err)
	}
	return target, nil
}

func (h *HostFS) Link(ctx context.Context, parent fsapi.InodeID, name string, ino fsapi.InodeID) (fsapi.Attr, error) {
	return fsapi.Attr{}, errs.New("hostfs.Link", errs.ReadOnly)
}

func (h *HostFS) Unlink(ctx context.Context, parent fsapi.InodeID, name string) error {
	return errs.New("hostfs.Unlink", errs.ReadOnly)
}

func (h *HostFS) Rmdir(ctx context.Context, parent fsapi.InodeID, name string) error {
	return errs.New("hostfs.Rmdir", errs.ReadOnly)
}

func (h *HostFS) Rename(ctx context.Context, oldParent fsapi.InodeID, oldName string, newParent fsapi.InodeID, newName string) error {
	return errs.New("hostfs.Rename", errs.ReadOnly)
}

func (h *HostFS) ReadAt(ctx context.Context, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	rel, err := h.relOf(ino)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(h.hostPath(rel))
	if err != nil {
		return 0, errs.Wrap("hostfs.ReadAt", errs.NotFound, err)
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, errs.Wrap("hostfs.ReadAt", errs.Storage, err)
	}
	return n, nil
}

func (h *HostFS) WriteAt(ctx context.Context, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	return 0, errs.New("hostfs.WriteAt", errs.ReadOnly)
}

// Open is a no-op: HostFS is read-only and never deletes a host inode, so
// there is nothing to defer.
func (h *HostFS) Open(ctx context.Context, ino fsapi.InodeID) error {
	return nil
}

// Release is a no-op for the same reason as Open.
func (h *HostFS) Release(ctx context.Context, ino fsapi.InodeID) error {
	return nil
}

func (h *HostFS) Forget(ctx context.Context, ino fsapi.InodeID, n uint64) error {
	return nil
}

var _ fsapi.FileSystem = (*HostFS)(nil)
