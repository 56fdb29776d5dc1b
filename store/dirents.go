package store

import (
	"context"
	"database/sql"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

// Lookup resolves name within parent to a child InodeID. Whiteout entries
// are invisible to Lookup — they exist only for OverlayFS to detect.
func (s *Store) Lookup(ctx context.Context, parent fsapi.InodeID, name string) (fsapi.InodeID, error) {
	var child fsapi.InodeID
	var kind int
	err := s.db.QueryRowContext(ctx, `SELECT child, kind FROM dirents WHERE parent = ? AND name = ?`, parent, name).Scan(&child, &kind)
	if err == sql.ErrNoRows || (err == nil && kind == direntKindWhiteout) {
		return 0, errs.New("store.Lookup", errs.NotFound)
	}
	if err != nil {
		return 0, errs.Wrap("store.Lookup", errs.Storage, err)
	}
	return child, nil
}

// CreateDentryTx inserts a (parent, name) -> child mapping. Returns
// AlreadyExists if the name is already occupied by a non-whiteout entry;
// if it is occupied by a whiteout, the whiteout row is replaced.
func (s *Store) CreateDentryTx(ctx context.Context, tx *sql.Tx, parent fsapi.InodeID, name string, child fsapi.InodeID) error {
	var kind int
	err := tx.QueryRowContext(ctx, `SELECT kind FROM dirents WHERE parent = ? AND name = ?`, parent, name).Scan(&kind)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `INSERT INTO dirents (parent, name, child, kind) VALUES (?, ?, ?, ?)`,
			parent, name, child, direntKindNormal)
		if err != nil {
			return wrapWriteErr("store.CreateDentryTx", err)
		}
		return nil
	case err != nil:
		return errs.Wrap("store.CreateDentryTx", errs.Storage, err)
	case kind == direntKindWhiteout:
		_, err = tx.ExecContext(ctx, `UPDATE dirents SET child = ?, kind = ? WHERE parent = ? AND name = ?`,
			child, direntKindNormal, parent, name)
		if err != nil {
			return errs.Wrap("store.CreateDentryTx", errs.Storage, err)
		}
		return nil
	default:
		return errs.New("store.CreateDentryTx", errs.AlreadyExists)
	}
}

// DeleteDentryTx removes the (parent, name) mapping outright.
func (s *Store) DeleteDentryTx(ctx context.Context, tx *sql.Tx, parent fsapi.InodeID, name string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM dirents WHERE parent = ? AND name = ? AND kind = ?`, parent, name, direntKindNormal)
	if err != nil {
		return errs.Wrap("store.DeleteDentryTx", errs.Storage, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New("store.DeleteDentryTx", errs.NotFound)
	}
	return nil
}

// ListDir returns the visible (non-whiteout) entries of directory parent.
func (s *Store) ListDir(ctx context.Context, parent fsapi.InodeID) ([]fsapi.DirEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.name, i.ino, i.mode, i.uid, i.gid, i.size, i.nlink, i.atime_unix_ns, i.mtime_unix_ns, i.ctime_unix_ns
		FROM dirents d JOIN inodes i ON i.ino = d.child
		WHERE d.parent = ? AND d.kind = ?
		ORDER BY d.rowid`, parent, direntKindNormal)
	if err != nil {
		return nil, errs.Wrap("store.ListDir", errs.Storage, err)
	}
	defer rows.Close()

	var out []fsapi.DirEntry
	for rows.Next() {
		var e fsapi.DirEntry
		var mode uint32
		var atime, mtime, ctime int64
		var ino uint64
		if err := rows.Scan(&e.Name, &ino, &mode, &e.Attr.Uid, &e.Attr.Gid, &e.Attr.Size, &e.Attr.Nlink, &atime, &mtime, &ctime); err != nil {
			return nil, errs.Wrap("store.ListDir", errs.Storage, err)
		}
		e.Attr.Ino = fsapi.InodeID(ino)
		e.Attr.Mode = modeFromBits(mode)
		e.Attr.Atime = unixNano(atime)
		e.Attr.Mtime = unixNano(mtime)
		e.Attr.Ctime = unixNano(ctime)
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasChildren reports whether directory ino has any visible entries,
// used by Rmdir to enforce the empty-directory precondition.
func (s *Store) HasChildren(ctx context.Context, ino fsapi.InodeID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dirents WHERE parent = ? AND kind = ?`, ino, direntKindNormal).Scan(&count)
	if err != nil {
		return false, errs.Wrap("store.HasChildren", errs.Storage, err)
	}
	return count > 0, nil
}

// Rename atomically moves the entry named oldName in oldParent to newName
// in newParent, deleting any existing newName entry it replaces (POSIX
// rename(2) overwrite semantics).
func (s *Store) Rename(ctx context.Context, oldParent fsapi.InodeID, oldName string, newParent fsapi.InodeID, newName string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var child fsapi.InodeID
		var kind int
		err := tx.QueryRowContext(ctx, `SELECT child, kind FROM dirents WHERE parent = ? AND name = ?`, oldParent, oldName).Scan(&child, &kind)
		if err == sql.ErrNoRows || (err == nil && kind == direntKindWhiteout) {
			return errs.New("store.Rename", errs.NotFound)
		}
		if err != nil {
			return errs.Wrap("store.Rename", errs.Storage, err)
		}

		var existingChild fsapi.InodeID
		var existingKind int
		err = tx.QueryRowContext(ctx, `SELECT child, kind FROM dirents WHERE parent = ? AND name = ?`, newParent, newName).Scan(&existingChild, &existingKind)
		if err == nil && existingKind == direntKindNormal {
			if existingChild == child {
				return nil // renaming onto itself: POSIX allows this as a no-op
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM dirents WHERE parent = ? AND name = ?`, newParent, newName); err != nil {
				return errs.Wrap("store.Rename", errs.Storage, err)
			}
			if _, err := s.bumpNlinkTx(ctx, tx, existingChild, -1); err != nil {
				return err
			}
		} else if err != nil && err != sql.ErrNoRows {
			return errs.Wrap("store.Rename", errs.Storage, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM dirents WHERE parent = ? AND name = ?`, oldParent, oldName); err != nil {
			return errs.Wrap("store.Rename", errs.Storage, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dirents (parent, name, child, kind) VALUES (?, ?, ?, ?)
			ON CONFLICT(parent, name) DO UPDATE SET child = excluded.child, kind = excluded.kind`,
			newParent, newName, child, direntKindNormal)
		if err != nil {
			return errs.Wrap("store.Rename", errs.Storage, err)
		}
		return nil
	})
}

// CreateWhiteoutTx records that name in parent has been deleted relative
// to a lower (base) layer — OverlayFS calls this instead of
// DeleteDentryTx when the removed name was visible in the base layer.
func (s *Store) CreateWhiteoutTx(ctx context.Context, tx *sql.Tx, parent fsapi.InodeID, name string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dirents (parent, name, child, kind) VALUES (?, ?, 0, ?)
		ON CONFLICT(parent, name) DO UPDATE SET child = 0, kind = excluded.kind`,
		parent, name, direntKindWhiteout)
	if err != nil {
		return errs.Wrap("store.CreateWhiteoutTx", errs.Storage, err)
	}
	return nil
}

// RemoveWhiteoutTx clears a whiteout marker, used when a name previously
// deleted is recreated.
func (s *Store) RemoveWhiteoutTx(ctx context.Context, tx *sql.Tx, parent fsapi.InodeID, name string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM dirents WHERE parent = ? AND name = ? AND kind = ?`, parent, name, direntKindWhiteout)
	if err != nil {
		return errs.Wrap("store.RemoveWhiteoutTx", errs.Storage, err)
	}
	return nil
}

// HasWhiteout reports whether name in parent is marked deleted.
func (s *Store) HasWhiteout(ctx context.Context, parent fsapi.InodeID, name string) (bool, error) {
	var kind int
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM dirents WHERE parent = ? AND name = ?`, parent, name).Scan(&kind)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap("store.HasWhiteout", errs.Storage, err)
	}
	return kind == direntKindWhiteout, nil
}

// WhiteoutEntry names a recorded whiteout, used to warm OverlayFS's
// in-memory cache at startup.
type WhiteoutEntry struct {
	Parent fsapi.InodeID
	Name   string
}

// ListWhiteouts returns every recorded whiteout in the delta, grounded on
// the riverlytech/art OverlayFS's NewOverlayFS startup cache warm-up
// (delta.Store().ListWhiteouts(ctx)).
func (s *Store) ListWhiteouts(ctx context.Context) ([]WhiteoutEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parent, name FROM dirents WHERE kind = ?`, direntKindWhiteout)
	if err != nil {
		return nil, errs.Wrap("store.ListWhiteouts", errs.Storage, err)
	}
	defer rows.Close()

	var out []WhiteoutEntry
	for rows.Next() {
		var e WhiteoutEntry
		if err := rows.Scan(&e.Parent, &e.Name); err != nil {
			return nil, errs.Wrap("store.ListWhiteouts", errs.Storage, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetOpaqueTx marks directory ino as opaque: OverlayFS readdir/lookup must
// not fall through to the base layer for any name within it.
func (s *Store) SetOpaqueTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, opaque bool) error {
	v := 0
	if opaque {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dirmeta (ino, opaque) VALUES (?, ?)
		ON CONFLICT(ino) DO UPDATE SET opaque = excluded.opaque`, ino, v)
	if err != nil {
		return errs.Wrap("store.SetOpaqueTx", errs.Storage, err)
	}
	return nil
}

// IsOpaque reports whether directory ino is marked opaque.
func (s *Store) IsOpaque(ctx context.Context, ino fsapi.InodeID) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT opaque FROM dirmeta WHERE ino = ?`, ino).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap("store.IsOpaque", errs.Storage, err)
	}
	return v != 0, nil
}

// AddOriginTx records that delta inode deltaIno was copied up from base
// inode baseIno, so OverlayFS can keep reporting the base inode number
// for an otherwise-unmodified-in-identity file.
func (s *Store) AddOriginTx(ctx context.Context, tx *sql.Tx, deltaIno, baseIno fsapi.InodeID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO origins (delta_ino, base_ino) VALUES (?, ?)
		ON CONFLICT(delta_ino) DO UPDATE SET base_ino = excluded.base_ino`, deltaIno, baseIno)
	if err != nil {
		return errs.Wrap("store.AddOriginTx", errs.Storage, err)
	}
	return nil
}

// GetOrigin returns the base inode deltaIno was copied up from, if any.
func (s *Store) GetOrigin(ctx context.Context, deltaIno fsapi.InodeID) (fsapi.InodeID, bool, error) {
	var baseIno fsapi.InodeID
	err := s.db.QueryRowContext(ctx, `SELECT base_ino FROM origins WHERE delta_ino = ?`, deltaIno).Scan(&baseIno)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Wrap("store.GetOrigin", errs.Storage, err)
	}
	return baseIno, true, nil
}

// DeleteOriginTx removes any origin mapping for deltaIno.
func (s *Store) DeleteOriginTx(ctx context.Context, tx *sql.Tx, deltaIno fsapi.InodeID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM origins WHERE delta_ino = ?`, deltaIno)
	if err != nil {
		return errs.Wrap("store.DeleteOriginTx", errs.Storage, err)
	}
	return nil
}
