// Package agentfs implements the path-free fsapi.FileSystem capability
// over a database-backed delta store. It is the Go, inode-keyed
// translation of the riverlytech/art reference AgentFS (path-based) and
// fs.Node (inode-keyed, hanwen/go-fuse-based) implementations: the
// transaction shapes (CreateInodeTx + CreateDentryTx inside one WithTx,
// nlink bookkeeping on link/unlink, delete-inode-when-nlink-reaches-zero)
// are ported directly; the path-walking the art AgentFS did internally is
// removed since every method here already receives (parent, name) or ino.
package agentfs

import (
	"context"
	"database/sql"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
	"github.com/agentfs-dev/agentfs-core/store"
)

// dentryKey is the LRU cache key, grounded on the riverlytech/art AgentFS's
// dentryKey{parentIno, name} struct.
type dentryKey struct {
	parent fsapi.InodeID
	name   string
}

const dentryCacheSize = 10000

// AgentFS is a fsapi.FileSystem backed by a *store.Store.
type AgentFS struct {
	store *store.Store
	cache *lru.Cache[dentryKey, fsapi.InodeID]

	mu        sync.Mutex
	openCount map[fsapi.InodeID]int
}

// New wraps s as a FileSystem, with a bounded dentry resolution cache.
func New(s *store.Store) *AgentFS {
	c, err := lru.New[dentryKey, fsapi.InodeID](dentryCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which dentryCacheSize never is.
		panic(err)
	}
	return &AgentFS{store: s, cache: c, openCount: make(map[fsapi.InodeID]int)}
}

// Store exposes the underlying Store so OverlayFS can reach whiteout and
// origin bookkeeping that has no meaning on a plain FileSystem.
func (a *AgentFS) Store() *store.Store { return a.store }

func (a *AgentFS) invalidate(parent fsapi.InodeID, name string) {
	a.cache.Remove(dentryKey{parent, name})
}

// Open registers one live handle against ino. An inode already unlinked to
// nlink == 0 is not reclaimed while any handle remains open — see Release.
func (a *AgentFS) Open(ctx context.Context, ino fsapi.InodeID) error {
	a.mu.Lock()
	a.openCount[ino]++
	a.mu.Unlock()
	return nil
}

// Release unregisters one handle reference installed by Open. If this was
// the last open handle and ino's link count has already reached zero, its
// data and inode rows are reclaimed now — the deferred half of Unlink's
// "retained while a handle is live, destroyed at last close" policy.
func (a *AgentFS) Release(ctx context.Context, ino fsapi.InodeID) error {
	a.mu.Lock()
	a.openCount[ino]--
	last := a.openCount[ino] <= 0
	if last {
		delete(a.openCount, ino)
	}
	a.mu.Unlock()
	if !last {
		return nil
	}
	return a.reclaimIfOrphaned(ctx, ino)
}

func (a *AgentFS) isOpen(ino fsapi.InodeID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openCount[ino] > 0
}

// reclaimIfOrphaned deletes ino's data/symlink/origin/inode rows once its
// link count has reached zero and no handle references it. Called right
// after Unlink drops nlink to zero, and again from Release whenever the
// open count reaches zero, since either order is possible: the unlink may
// race ahead of a still-open handle's eventual close, or the handle may
// close before anything ever unlinks the name.
func (a *AgentFS) reclaimIfOrphaned(ctx context.Context, ino fsapi.InodeID) error {
	attr, err := a.store.GetInode(ctx, ino)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil
		}
		return err
	}
	if attr.Nlink > 0 || a.isOpen(ino) {
		return nil
	}
	return a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if attr.IsSymlink() {
			if err := a.store.DeleteSymlinkTx(ctx, tx, ino); err != nil {
				return err
			}
		} else if err := a.store.DeleteDataTx(ctx, tx, ino); err != nil {
			return err
		}
		if err := a.store.DeleteOriginTx(ctx, tx, ino); err != nil {
			return err
		}
		return a.store.DeleteInodeTx(ctx, tx, ino)
	})
}

func (a *AgentFS) GetAttr(ctx context.Context, ino fsapi.InodeID) (fsapi.Attr, error) {
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) SetAttr(ctx context.Context, ino fsapi.InodeID, req fsapi.SetAttrRequest) (fsapi.Attr, error) {
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		return a.store.SetAttrTx(ctx, tx, ino, req)
	})
	if err != nil {
		return fsapi.Attr{}, err
	}
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) Lookup(ctx context.Context, parent fsapi.InodeID, name string) (fsapi.Attr, error) {
	key := dentryKey{parent, name}
	if ino, ok := a.cache.Get(key); ok {
		attr, err := a.store.GetInode(ctx, ino)
		if err == nil {
			return attr, nil
		}
		a.cache.Remove(key)
	}

	ino, err := a.store.Lookup(ctx, parent, name)
	if err != nil {
		return fsapi.Attr{}, err
	}
	a.cache.Add(key, ino)
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) ReadDirPlus(ctx context.Context, ino fsapi.InodeID) ([]fsapi.DirEntry, error) {
	attr, err := a.store.GetInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !attr.IsDir() {
		return nil, errs.New("agentfs.ReadDirPlus", errs.NotDirectory)
	}
	return a.store.ListDir(ctx, ino)
}

func (a *AgentFS) CreateFile(ctx context.Context, parent fsapi.InodeID, name string, mode os.FileMode) (fsapi.Attr, error) {
	var ino fsapi.InodeID
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ino, err = a.store.CreateInodeTx(ctx, tx, os.FileMode(mode.Perm()), 0, 0)
		if err != nil {
			return err
		}
		return a.store.CreateDentryTx(ctx, tx, parent, name, ino)
	})
	if err != nil {
		return fsapi.Attr{}, err
	}
	a.invalidate(parent, name)
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) Mkdir(ctx context.Context, parent fsapi.InodeID, name string, mode os.FileMode) (fsapi.Attr, error) {
	var ino fsapi.InodeID
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ino, err = a.store.CreateInodeTx(ctx, tx, os.ModeDir|mode.Perm(), 0, 0)
		if err != nil {
			return err
		}
		if err := a.store.CreateDentryTx(ctx, tx, parent, name, ino); err != nil {
			return err
		}
		_, err = a.store.IncrNlinkTx(ctx, tx, parent)
		return err
	})
	if err != nil {
		return fsapi.Attr{}, err
	}
	a.invalidate(parent, name)
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) Symlink(ctx context.Context, parent fsapi.InodeID, name, target string) (fsapi.Attr, error) {
	var ino fsapi.InodeID
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ino, err = a.store.CreateSymlinkTx(ctx, tx, 0, 0, target)
		if err != nil {
			return err
		}
		return a.store.CreateDentryTx(ctx, tx, parent, name, ino)
	})
	if err != nil {
		return fsapi.Attr{}, err
	}
	a.invalidate(parent, name)
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) Readlink(ctx context.Context, ino fsapi.InodeID) (string, error) {
	return a.store.ReadSymlink(ctx, ino)
}

func (a *AgentFS) Link(ctx context.Context, parent fsapi.InodeID, name string, ino fsapi.InodeID) (fsapi.Attr, error) {
	attr, err := a.store.GetInode(ctx, ino)
	if err != nil {
		return fsapi.Attr{}, err
	}
	if attr.IsDir() {
		return fsapi.Attr{}, errs.New("agentfs.Link", errs.PermissionDenied)
	}

	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.store.CreateDentryTx(ctx, tx, parent, name, ino); err != nil {
			return err
		}
		_, err := a.store.IncrNlinkTx(ctx, tx, ino)
		return err
	})
	if err != nil {
		return fsapi.Attr{}, err
	}
	a.invalidate(parent, name)
	return a.store.GetInode(ctx, ino)
}

func (a *AgentFS) Unlink(ctx context.Context, parent fsapi.InodeID, name string) error {
	child, err := a.store.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	attr, err := a.store.GetInode(ctx, child)
	if err != nil {
		return err
	}
	if attr.IsDir() {
		return errs.New("agentfs.Unlink", errs.IsDirectory)
	}

	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.store.DeleteDentryTx(ctx, tx, parent, name); err != nil {
			return err
		}
		_, err := a.store.DecrNlinkTx(ctx, tx, child)
		return err
	})
	if err != nil {
		return err
	}
	a.invalidate(parent, name)
	return a.reclaimIfOrphaned(ctx, child)
}

func (a *AgentFS) Rmdir(ctx context.Context, parent fsapi.InodeID, name string) error {
	child, err := a.store.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	attr, err := a.store.GetInode(ctx, child)
	if err != nil {
		return err
	}
	if !attr.IsDir() {
		return errs.New("agentfs.Rmdir", errs.NotDirectory)
	}
	hasChildren, err := a.store.HasChildren(ctx, child)
	if err != nil {
		return err
	}
	if hasChildren {
		return errs.New("agentfs.Rmdir", errs.NotEmpty)
	}

	err = a.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.store.DeleteDentryTx(ctx, tx, parent, name); err != nil {
			return err
		}
		nlink, err := a.store.DecrNlinkTx(ctx, tx, child)
		if err != nil {
			return err
		}
		if nlink == 0 {
			if err := a.store.DeleteInodeTx(ctx, tx, child); err != nil {
				return err
			}
		}
		_, err = a.store.DecrNlinkTx(ctx, tx, parent)
		return err
	})
	if err != nil {
		return err
	}
	a.invalidate(parent, name)
	return nil
}

func (a *AgentFS) Rename(ctx context.Context, oldParent fsapi.InodeID, oldName string, newParent fsapi.InodeID, newName string) error {
	if err := a.store.Rename(ctx, oldParent, oldName, newParent, newName); err != nil {
		return err
	}
	a.invalidate(oldParent, oldName)
	a.invalidate(newParent, newName)
	return nil
}

func (a *AgentFS) ReadAt(ctx context.Context, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	content, err := a.store.ReadData(ctx, ino)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(content)) {
		return 0, nil
	}
	n := copy(p, content[off:])
	return n, nil
}

func (a *AgentFS) WriteAt(ctx context.Context, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	var n int
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = a.store.WriteDataTx(ctx, tx, ino, p, off)
		return err
	})
	return n, err
}

func (a *AgentFS) Forget(ctx context.Context, ino fsapi.InodeID, n uint64) error {
	return nil
}

var _ fsapi.FileSystem = (*AgentFS)(nil)
