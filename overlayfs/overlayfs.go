// Package overlayfs composes a read-only base fsapi.FileSystem with a
// writable AgentFS delta, giving copy-on-write semantics over the merged
// view: lookups and readdir prefer the delta, missing names fall through
// to the base, and deletions of base-visible names are recorded as
// whiteouts rather than actually removing anything from the base.
//
// The lookup/readdir/copy-up/whiteout algorithm is the path-free
// translation of the riverlytech/art reference OverlayFS (path-based);
// the opaque-directory marker has no equivalent there and is designed
// directly from spec.md §3/§4.4 against the dirmeta table store already
// exposes.
package overlayfs

import (
	"context"
	"database/sql"
	"os"
	"sync"

	"github.com/agentfs-dev/agentfs-core/agentfs"
	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
	"github.com/agentfs-dev/agentfs-core/logging"
)

// pathMapping tracks, for one overlay inode, which underlying layer
// inodes (if any) back it, plus enough context (parent overlay inode and
// name) to lazily materialize a delta directory or file on demand.
type pathMapping struct {
	base   *fsapi.InodeID
	delta  *fsapi.InodeID
	parent fsapi.InodeID
	name   string
}

// whiteoutKey identifies one whiteout marker by the delta-layer directory
// it lives in and the name it shadows.
type whiteoutKey struct {
	deltaParent fsapi.InodeID
	name        string
}

// OverlayFS implements fsapi.FileSystem by composing base (read-only) and
// delta (writable).
type OverlayFS struct {
	base  fsapi.FileSystem
	delta *agentfs.AgentFS

	mu             sync.Mutex
	pm             map[fsapi.InodeID]*pathMapping
	baseToOverlay  map[fsapi.InodeID]fsapi.InodeID
	deltaToOverlay map[fsapi.InodeID]fsapi.InodeID
	next           fsapi.InodeID
	whiteouts      map[whiteoutKey]bool
}

// New composes base and delta, seeding the overlay root mapping and
// warming an in-memory whiteout cache from the delta's persisted
// whiteouts (store.ListWhiteouts), so a restarted process doesn't pay a
// store round trip on every lookup just to learn something was deleted.
// Per-entry inode mappings are still assigned lazily on first
// lookup/readdir, mirroring the teacher/pack's lazy dentry-cache
// population idiom.
func New(base fsapi.FileSystem, delta *agentfs.AgentFS) *OverlayFS {
	o := &OverlayFS{
		base:           base,
		delta:          delta,
		pm:             make(map[fsapi.InodeID]*pathMapping),
		baseToOverlay:  make(map[fsapi.InodeID]fsapi.InodeID),
		deltaToOverlay: make(map[fsapi.InodeID]fsapi.InodeID),
		next:           fsapi.RootInodeID + 1,
		whiteouts:      make(map[whiteoutKey]bool),
	}
	baseRoot := fsapi.RootInodeID
	deltaRoot := fsapi.RootInodeID
	o.pm[fsapi.RootInodeID] = &pathMapping{base: &baseRoot, delta: &deltaRoot, parent: fsapi.RootInodeID}
	o.baseToOverlay[baseRoot] = fsapi.RootInodeID
	o.deltaToOverlay[deltaRoot] = fsapi.RootInodeID

	if entries, err := delta.Store().ListWhiteouts(context.Background()); err == nil {
		for _, e := range entries {
			o.whiteouts[whiteoutKey{e.Parent, e.Name}] = true
		}
	}
	return o
}

func (o *OverlayFS) isWhitedOut(deltaParent fsapi.InodeID, name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.whiteouts[whiteoutKey{deltaParent, name}]
}

func (o *OverlayFS) markWhiteout(deltaParent fsapi.InodeID, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.whiteouts[whiteoutKey{deltaParent, name}] = true
}

func (o *OverlayFS) clearWhiteout(deltaParent fsapi.InodeID, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.whiteouts, whiteoutKey{deltaParent, name})
}

func (o *OverlayFS) pmOf(ino fsapi.InodeID) (*pathMapping, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pm, ok := o.pm[ino]
	if !ok {
		return nil, errs.New("overlayfs.pmOf", errs.NotFound)
	}
	return pm, nil
}

// assign returns the stable overlay inode for the given base/delta
// underlying identity, creating one if this is the first time either side
// has been seen. Passing a base identity that is already known returns
// its existing overlay inode even if a delta identity is being attached
// for the first time — this is what keeps a copied-up file's reported
// inode number stable across the copy-up transition.
func (o *OverlayFS) assign(baseIno, deltaIno *fsapi.InodeID, parent fsapi.InodeID, name string) fsapi.InodeID {
	o.mu.Lock()
	defer o.mu.Unlock()

	if baseIno != nil {
		if ino, ok := o.baseToOverlay[*baseIno]; ok {
			pm := o.pm[ino]
			if deltaIno != nil {
				pm.delta = deltaIno
				o.deltaToOverlay[*deltaIno] = ino
			}
			return ino
		}
	}
	if deltaIno != nil {
		if ino, ok := o.deltaToOverlay[*deltaIno]; ok {
			pm := o.pm[ino]
			if baseIno != nil {
				pm.base = baseIno
				o.baseToOverlay[*baseIno] = ino
			}
			return ino
		}
	}

	ino := o.next
	o.next++
	o.pm[ino] = &pathMapping{base: baseIno, delta: deltaIno, parent: parent, name: name}
	if baseIno != nil {
		o.baseToOverlay[*baseIno] = ino
	}
	if deltaIno != nil {
		o.deltaToOverlay[*deltaIno] = ino
	}
	return ino
}

func withIno(a fsapi.Attr, ino fsapi.InodeID) fsapi.Attr {
	a.Ino = ino
	return a
}

// originBaseIno looks up a persisted copy-up origin for a delta inode
// discovered without an in-memory pathMapping yet (e.g. after a process
// restart), so assign() can still key it by base identity instead of
// minting a fresh, unstable overlay inode number for an already-copied-up
// file. Returns nil if deltaIno has no recorded origin (it is delta-only).
func (o *OverlayFS) originBaseIno(ctx context.Context, deltaIno fsapi.InodeID) *fsapi.InodeID {
	baseIno, ok, err := o.delta.Store().GetOrigin(ctx, deltaIno)
	if err != nil || !ok {
		return nil
	}
	return &baseIno
}

// ensureDeltaDir materializes directory overlayIno in the delta, creating
// it (and recursively any missing ancestor) on demand, mirroring the base
// directory's mode if one exists.
func (o *OverlayFS) ensureDeltaDir(ctx context.Context, overlayIno fsapi.InodeID) (fsapi.InodeID, error) {
	pm, err := o.pmOf(overlayIno)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	if pm.delta != nil {
		d := *pm.delta
		o.mu.Unlock()
		return d, nil
	}
	o.mu.Unlock()

	if overlayIno == fsapi.RootInodeID {
		return fsapi.RootInodeID, nil
	}

	parentDeltaIno, err := o.ensureDeltaDir(ctx, pm.parent)
	if err != nil {
		return 0, err
	}

	mode := os.FileMode(0755)
	if pm.base != nil {
		if battr, err := o.base.GetAttr(ctx, *pm.base); err == nil {
			mode = battr.Mode.Perm()
		}
	}

	attr, err := o.delta.Mkdir(ctx, parentDeltaIno, pm.name, mode)
	if err != nil {
		if !errs.Is(err, errs.AlreadyExists) {
			return 0, err
		}
		attr, err = o.delta.Lookup(ctx, parentDeltaIno, pm.name)
		if err != nil {
			return 0, err
		}
	}

	o.mu.Lock()
	pm.delta = &attr.Ino
	o.deltaToOverlay[attr.Ino] = overlayIno
	o.mu.Unlock()
	return attr.Ino, nil
}

// copyOnWrite materializes regular file overlayIno into the delta by
// copying its full base content, recording an origin mapping so the
// store remembers which base inode it was copied from.
func (o *OverlayFS) copyOnWrite(ctx context.Context, overlayIno fsapi.InodeID) (fsapi.InodeID, error) {
	pm, err := o.pmOf(overlayIno)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	if pm.delta != nil {
		d := *pm.delta
		o.mu.Unlock()
		return d, nil
	}
	base := pm.base
	o.mu.Unlock()

	if base == nil {
		return 0, errs.New("overlayfs.copyOnWrite", errs.NotFound)
	}

	battr, err := o.base.GetAttr(ctx, *base)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, battr.Size)
	if len(buf) > 0 {
		if _, err := o.base.ReadAt(ctx, *base, buf, 0); err != nil {
			return 0, err
		}
	}

	parentDeltaIno, err := o.ensureDeltaDir(ctx, pm.parent)
	if err != nil {
		return 0, err
	}

	dattr, err := o.delta.CreateFile(ctx, parentDeltaIno, pm.name, battr.Mode.Perm())
	if err != nil {
		return 0, err
	}
	if len(buf) > 0 {
		if _, err := o.delta.WriteAt(ctx, dattr.Ino, buf, 0); err != nil {
			return 0, err
		}
	}

	o.mu.Lock()
	pm.delta = &dattr.Ino
	o.deltaToOverlay[dattr.Ino] = overlayIno
	o.mu.Unlock()

	logging.WithOp(logging.FromContext(ctx), "overlayfs.copyOnWrite").Debug(
		"copied up", "base_ino", *base, "delta_ino", dattr.Ino, "size", len(buf))

	_ = o.delta.Store().WithTx(ctx, func(tx *sql.Tx) error {
		return o.delta.Store().AddOriginTx(ctx, tx, dattr.Ino, *base)
	})

	return dattr.Ino, nil
}

func (o *OverlayFS) GetAttr(ctx context.Context, ino fsapi.InodeID) (fsapi.Attr, error) {
	pm, err := o.pmOf(ino)
	if err != nil {
		return fsapi.Attr{}, err
	}
	if pm.delta != nil {
		attr, err := o.delta.GetAttr(ctx, *pm.delta)
		if err != nil {
			return fsapi.Attr{}, err
		}
		return withIno(attr, ino), nil
	}
	attr, err := o.base.GetAttr(ctx, *pm.base)
	if err != nil {
		return fsapi.Attr{}, err
	}
	return withIno(attr, ino), nil
}

func (o *OverlayFS) Lookup(ctx context.Context, parent fsapi.InodeID, name string) (fsapi.Attr, error) {
	pm, err := o.pmOf(parent)
	if err != nil {
		return fsapi.Attr{}, err
	}

	if pm.delta != nil {
		if o.isWhitedOut(*pm.delta, name) {
			return fsapi.Attr{}, errs.New("overlayfs.Lookup", errs.NotFound)
		}

		dAttr, err := o.delta.Lookup(ctx, *pm.delta, name)
		if err == nil {
			ino := o.assign(o.originBaseIno(ctx, dAttr.Ino), &dAttr.Ino, parent, name)
			return withIno(dAttr, ino), nil
		}
		if !errs.Is(err, errs.NotFound) {
			return fsapi.Attr{}, err
		}

		opaque, err := o.delta.Store().IsOpaque(ctx, *pm.delta)
		if err != nil {
			return fsapi.Attr{}, err
		}
		if opaque {
			return fsapi.Attr{}, errs.New("overlayfs.Lookup", errs.NotFound)
		}
	}

	if pm.base == nil {
		return fsapi.Attr{}, errs.New("overlayfs.Lookup", errs.NotFound)
	}
	bAttr, err := o.base.Lookup(ctx, *pm.base, name)
	if err != nil {
		return fsapi.Attr{}, err
	}
	ino := o.assign(&bAttr.Ino, nil, parent, name)
	return withIno(bAttr, ino), nil
}

func (o *OverlayFS) ReadDirPlus(ctx context.Context, ino fsapi.InodeID) ([]fsapi.DirEntry, error) {
	pm, err := o.pmOf(ino)
	if err != nil {
		return nil, err
	}

	out := make([]fsapi.DirEntry, 0)
	seen := make(map[string]bool)
	opaque := false

	if pm.delta != nil {
		entries, err := o.delta.ReadDirPlus(ctx, *pm.delta)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			childIno := o.assign(o.originBaseIno(ctx, e.Attr.Ino), &e.Attr.Ino, ino, e.Name)
			seen[e.Name] = true
			out = append(out, fsapi.DirEntry{Name: e.Name, Attr: withIno(e.Attr, childIno)})
		}
		opaque, err = o.delta.Store().IsOpaque(ctx, *pm.delta)
		if err != nil {
			return nil, err
		}
	}

	if !opaque && pm.base != nil {
		entries, err := o.base.ReadDirPlus(ctx, *pm.base)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seen[e.Name] {
				continue
			}
			if pm.delta != nil && o.isWhitedOut(*pm.delta, e.Name) {
				continue
			}
			childIno := o.assign(&e.Attr.Ino, nil, ino, e.Name)
			out = append(out, fsapi.DirEntry{Name: e.Name, Attr: withIno(e.Attr, childIno)})
		}
	}

	return out, nil
}

func (o *OverlayFS) CreateFile(ctx context.Context, parent fsapi.InodeID, name string, mode os.FileMode) (fsapi.Attr, error) {
	deltaParent, err := o.ensureDeltaDir(ctx, parent)
	if err != nil {
		return fsapi.Attr{}, err
	}
	attr, err := o.delta.CreateFile(ctx, deltaParent, name, mode)
	if err != nil {
		return fsapi.Attr{}, err
	}
	o.clearWhiteout(deltaParent, name) // CreateDentryTx silently upgrades a whiteout row
	ino := o.assign(nil, &attr.Ino, parent, name)
	return withIno(attr, ino), nil
}

func (o *OverlayFS) Mkdir(ctx context.Context, parent fsapi.InodeID, name string, mode os.FileMode) (fsapi.Attr, error) {
	deltaParent, err := o.ensureDeltaDir(ctx, parent)
	if err != nil {
		return fsapi.Attr{}, err
	}

	// A directory being (re)created at a name the base layer still has
	// content for — whether whited-out or simply never shadowed before —
	// must not let the merged readdir fall through to that stale base
	// content once the new delta directory exists. SetOpaqueTx below is
	// what stops the fallthrough.
	pm, err := o.pmOf(parent)
	if err != nil {
		return fsapi.Attr{}, err
	}
	recreated := o.isWhitedOut(deltaParent, name)
	if !recreated && pm.base != nil {
		if _, err := o.base.Lookup(ctx, *pm.base, name); err == nil {
			recreated = true
		}
	}

	attr, err := o.delta.Mkdir(ctx, deltaParent, name, mode)
	if err != nil {
		return fsapi.Attr{}, err
	}
	o.clearWhiteout(deltaParent, name) // CreateDentryTx silently upgrades a whiteout row

	if recreated {
		if err := o.delta.Store().WithTx(ctx, func(tx *sql.Tx) error {
			return o.delta.Store().SetOpaqueTx(ctx, tx, attr.Ino, true)
		}); err != nil {
			return fsapi.Attr{}, err
		}
	}

	ino := o.assign(nil, &attr.Ino, parent, name)
	return withIno(attr, ino), nil
}

func (o *OverlayFS) Symlink(ctx context.Context, parent fsapi.InodeID, name, target string) (fsapi.Attr, error) {
	deltaParent, err := o.ensureDeltaDir(ctx, parent)
	if err != nil {
		return fsapi.Attr{}, err
	}
	attr, err := o.delta.Symlink(ctx, deltaParent, name, target)
	if err != nil {
		return fsapi.Attr{}, err
	}
	o.clearWhiteout(deltaParent, name)
	ino := o.assign(nil, &attr.Ino, parent, name)
	return withIno(attr, ino), nil
}

func (o *OverlayFS) Readlink(ctx context.Context, ino fsapi.InodeID) (string, error) {
	pm, err := o.pmOf(ino)
	if err != nil {
		return "", err
	}
	if pm.delta != nil {
		return o.delta.Readlink(ctx, *pm.delta)
	}
	return o.base.Readlink(ctx, *pm.base)
}

func (o *OverlayFS) Link(ctx context.Context, parent fsapi.InodeID, name string, target fsapi.InodeID) (fsapi.Attr, error) {
	deltaTarget, err := o.copyOnWrite(ctx, target)
	if err != nil {
		return fsapi.Attr{}, err
	}
	deltaParent, err := o.ensureDeltaDir(ctx, parent)
	if err != nil {
		return fsapi.Attr{}, err
	}
	attr, err := o.delta.Link(ctx, deltaParent, name, deltaTarget)
	if err != nil {
		return fsapi.Attr{}, err
	}
	o.clearWhiteout(deltaParent, name)
	ino := o.assign(nil, &attr.Ino, parent, name)
	return withIno(attr, ino), nil
}

// removeEntry is the shared Unlink/Rmdir tail: remove name from the delta
// if present there, and if the name was visible in the base layer, record
// a whiteout instead of leaving it simply absent.
func (o *OverlayFS) removeEntry(ctx context.Context, parent fsapi.InodeID, name string, isDir bool) error {
	pm, err := o.pmOf(parent)
	if err != nil {
		return err
	}

	if pm.delta != nil {
		if o.isWhitedOut(*pm.delta, name) {
			return errs.New("overlayfs.removeEntry", errs.NotFound)
		}
		_, lookErr := o.delta.Lookup(ctx, *pm.delta, name)
		if lookErr == nil {
			if isDir {
				err = o.delta.Rmdir(ctx, *pm.delta, name)
			} else {
				err = o.delta.Unlink(ctx, *pm.delta, name)
			}
			if err != nil {
				return err
			}
		} else if !errs.Is(lookErr, errs.NotFound) {
			return lookErr
		}
	}

	visibleInBase := false
	if pm.base != nil {
		opaque := false
		if pm.delta != nil {
			opaque, err = o.delta.Store().IsOpaque(ctx, *pm.delta)
			if err != nil {
				return err
			}
		}
		if !opaque {
			if _, err := o.base.Lookup(ctx, *pm.base, name); err == nil {
				visibleInBase = true
			}
		}
	}

	if visibleInBase {
		deltaParent, err := o.ensureDeltaDir(ctx, parent)
		if err != nil {
			return err
		}
		if err := o.delta.Store().WithTx(ctx, func(tx *sql.Tx) error {
			return o.delta.Store().CreateWhiteoutTx(ctx, tx, deltaParent, name)
		}); err != nil {
			return err
		}
		o.markWhiteout(deltaParent, name)
	}

	return nil
}

func (o *OverlayFS) Unlink(ctx context.Context, parent fsapi.InodeID, name string) error {
	return o.removeEntry(ctx, parent, name, false)
}

func (o *OverlayFS) Rmdir(ctx context.Context, parent fsapi.InodeID, name string) error {
	child, err := o.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	if !child.IsDir() {
		return errs.New("overlayfs.Rmdir", errs.NotDirectory)
	}
	entries, err := o.ReadDirPlus(ctx, child.Ino)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return errs.New("overlayfs.Rmdir", errs.NotEmpty)
	}
	return o.removeEntry(ctx, parent, name, true)
}

// Rename supports the common cases this module exercises: renames fully
// within the delta, and renames of a base-only regular file (copied up
// first, then renamed within the delta, leaving a whiteout at the old
// name since it was base-visible). Renaming a directory whose contents
// still live only in the base layer is out of scope — see DESIGN.md.
func (o *OverlayFS) Rename(ctx context.Context, oldParent fsapi.InodeID, oldName string, newParent fsapi.InodeID, newName string) error {
	srcAttr, err := o.Lookup(ctx, oldParent, oldName)
	if err != nil {
		return err
	}

	srcPM, err := o.pmOf(srcAttr.Ino)
	if err != nil {
		return err
	}
	if srcPM.delta == nil {
		if srcAttr.IsDir() {
			return errs.New("overlayfs.Rename", errs.NotSupported)
		}
		if _, err := o.copyOnWrite(ctx, srcAttr.Ino); err != nil {
			return err
		}
	}

	oldDeltaParent, err := o.ensureDeltaDir(ctx, oldParent)
	if err != nil {
		return err
	}
	newDeltaParent, err := o.ensureDeltaDir(ctx, newParent)
	if err != nil {
		return err
	}

	if err := o.delta.Rename(ctx, oldDeltaParent, oldName, newDeltaParent, newName); err != nil {
		return err
	}
	o.clearWhiteout(newDeltaParent, newName) // store.Rename's upsert clears any whiteout row at the destination

	oldParentPM, _ := o.pmOf(oldParent)
	if oldParentPM != nil && oldParentPM.base != nil {
		if _, err := o.base.Lookup(ctx, *oldParentPM.base, oldName); err == nil {
			if err := o.delta.Store().WithTx(ctx, func(tx *sql.Tx) error {
				return o.delta.Store().CreateWhiteoutTx(ctx, tx, oldDeltaParent, oldName)
			}); err == nil {
				o.markWhiteout(oldDeltaParent, oldName)
			}
		}
	}

	return nil
}

func (o *OverlayFS) ReadAt(ctx context.Context, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	pm, err := o.pmOf(ino)
	if err != nil {
		return 0, err
	}
	if pm.delta != nil {
		return o.delta.ReadAt(ctx, *pm.delta, p, off)
	}
	return o.base.ReadAt(ctx, *pm.base, p, off)
}

func (o *OverlayFS) WriteAt(ctx context.Context, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	deltaIno, err := o.copyOnWrite(ctx, ino)
	if err != nil {
		return 0, err
	}
	return o.delta.WriteAt(ctx, deltaIno, p, off)
}

func (o *OverlayFS) SetAttr(ctx context.Context, ino fsapi.InodeID, req fsapi.SetAttrRequest) (fsapi.Attr, error) {
	attr, err := o.GetAttr(ctx, ino)
	if err != nil {
		return fsapi.Attr{}, err
	}

	var deltaIno fsapi.InodeID
	if attr.IsDir() {
		deltaIno, err = o.ensureDeltaDir(ctx, ino)
	} else {
		deltaIno, err = o.copyOnWrite(ctx, ino)
	}
	if err != nil {
		return fsapi.Attr{}, err
	}

	result, err := o.delta.SetAttr(ctx, deltaIno, req)
	if err != nil {
		return fsapi.Attr{}, err
	}
	return withIno(result, ino), nil
}

// Open delegates to the delta once a delta inode backs ino; a base-only
// inode has nothing to keep alive past nlink reaching zero since the base
// layer is read-only and never deletes anything. If a later write copies
// ino up, the copied-up delta inode has nlink > 0 (it was just created) and
// so is never a candidate for reclaim until it is itself unlinked, even
// though this Open was never paired with its delta identity.
func (o *OverlayFS) Open(ctx context.Context, ino fsapi.InodeID) error {
	pm, err := o.pmOf(ino)
	if err != nil {
		return err
	}
	o.mu.Lock()
	delta := pm.delta
	o.mu.Unlock()
	if delta == nil {
		return nil
	}
	return o.delta.Open(ctx, *delta)
}

// Release delegates to the delta, mirroring Open.
func (o *OverlayFS) Release(ctx context.Context, ino fsapi.InodeID) error {
	pm, err := o.pmOf(ino)
	if err != nil {
		return err
	}
	o.mu.Lock()
	delta := pm.delta
	o.mu.Unlock()
	if delta == nil {
		return nil
	}
	return o.delta.Release(ctx, *delta)
}

func (o *OverlayFS) Forget(ctx context.Context, ino fsapi.InodeID, n uint64) error {
	return nil
}

var _ fsapi.FileSystem = (*OverlayFS)(nil)
