package store

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

// CreateInodeTx inserts a new inode row with mode/uid/gid and nlink=1,
// returning its freshly assigned InodeID. Grounded on the CreateInodeTx
// naming/shape used throughout the riverlytech/art reference files.
func (s *Store) CreateInodeTx(ctx context.Context, tx *sql.Tx, mode os.FileMode, uid, gid uint32) (fsapi.InodeID, error) {
	now := s.clock.Now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inodes (mode, uid, gid, size, nlink, atime_unix_ns, mtime_unix_ns, ctime_unix_ns)
		VALUES (?, ?, ?, 0, 1, ?, ?, ?)`,
		uint32(mode), uid, gid, now, now, now)
	if err != nil {
		return 0, wrapWriteErr("store.CreateInodeTx", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap("store.CreateInodeTx", errs.Storage, err)
	}
	return fsapi.InodeID(id), nil
}

// CreateSymlinkTx is CreateInodeTx specialized for symlinks, additionally
// storing the link target text.
func (s *Store) CreateSymlinkTx(ctx context.Context, tx *sql.Tx, uid, gid uint32, target string) (fsapi.InodeID, error) {
	now := s.clock.Now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inodes (mode, uid, gid, size, nlink, atime_unix_ns, mtime_unix_ns, ctime_unix_ns, symlink_target)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		uint32(os.ModeSymlink|0777), uid, gid, len(target), now, now, now, target)
	if err != nil {
		return 0, wrapWriteErr("store.CreateSymlinkTx", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap("store.CreateSymlinkTx", errs.Storage, err)
	}
	return fsapi.InodeID(id), nil
}

// GetInode returns the attributes of ino.
func (s *Store) GetInode(ctx context.Context, ino fsapi.InodeID) (fsapi.Attr, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ino, mode, uid, gid, size, nlink, atime_unix_ns, mtime_unix_ns, ctime_unix_ns
		FROM inodes WHERE ino = ?`, ino)
	return scanAttr(row)
}

func scanAttr(row *sql.Row) (fsapi.Attr, error) {
	var a fsapi.Attr
	var mode uint32
	var atime, mtime, ctime int64
	var id uint64
	err := row.Scan(&id, &mode, &a.Uid, &a.Gid, &a.Size, &a.Nlink, &atime, &mtime, &ctime)
	if err == sql.ErrNoRows {
		return fsapi.Attr{}, errs.New("store.GetInode", errs.NotFound)
	}
	if err != nil {
		return fsapi.Attr{}, errs.Wrap("store.GetInode", errs.Storage, err)
	}
	a.Ino = fsapi.InodeID(id)
	a.Mode = os.FileMode(mode)
	a.Atime = time.Unix(0, atime)
	a.Mtime = time.Unix(0, mtime)
	a.Ctime = time.Unix(0, ctime)
	return a, nil
}

// ReadSymlink returns the stored target text of symlink ino.
func (s *Store) ReadSymlink(ctx context.Context, ino fsapi.InodeID) (string, error) {
	var target sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT symlink_target FROM inodes WHERE ino = ?`, ino).Scan(&target)
	if err == sql.ErrNoRows {
		return "", errs.New("store.ReadSymlink", errs.NotFound)
	}
	if err != nil {
		return "", errs.Wrap("store.ReadSymlink", errs.Storage, err)
	}
	if !target.Valid {
		return "", errs.New("store.ReadSymlink", errs.InvalidInput)
	}
	return target.String, nil
}

// IncrNlinkTx increments ino's link count by one and returns the new value.
func (s *Store) IncrNlinkTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID) (uint32, error) {
	return s.bumpNlinkTx(ctx, tx, ino, 1)
}

// DecrNlinkTx decrements ino's link count by one and returns the new value.
func (s *Store) DecrNlinkTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID) (uint32, error) {
	return s.bumpNlinkTx(ctx, tx, ino, -1)
}

func (s *Store) bumpNlinkTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, delta int) (uint32, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE inodes SET nlink = nlink + ? WHERE ino = ?`, delta, ino); err != nil {
		return 0, errs.Wrap("store.bumpNlinkTx", errs.Storage, err)
	}
	var nlink uint32
	if err := tx.QueryRowContext(ctx, `SELECT nlink FROM inodes WHERE ino = ?`, ino).Scan(&nlink); err != nil {
		return 0, errs.Wrap("store.bumpNlinkTx", errs.Storage, err)
	}
	return nlink, nil
}

// DeleteInodeTx removes ino's inode row outright. Callers must ensure
// nlink has already reached zero and any data/symlink rows are deleted
// first (DeleteDataTx/DeleteSymlinkTx).
func (s *Store) DeleteInodeTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM inodes WHERE ino = ?`, ino); err != nil {
		return errs.Wrap("store.DeleteInodeTx", errs.Storage, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dirmeta WHERE ino = ?`, ino); err != nil {
		return errs.Wrap("store.DeleteInodeTx", errs.Storage, err)
	}
	return nil
}

// DeleteSymlinkTx clears the symlink_target column; symlinks have no
// separate data row.
func (s *Store) DeleteSymlinkTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID) error {
	_, err := tx.ExecContext(ctx, `UPDATE inodes SET symlink_target = NULL WHERE ino = ?`, ino)
	if err != nil {
		return errs.Wrap("store.DeleteSymlinkTx", errs.Storage, err)
	}
	return nil
}

// SetAttrTx applies the non-nil fields of req to ino. A request touching
// only Atime is the opportunistic-atime-flush case (vfs.Handle.Fsync) and
// is delegated to UpdateAtimeTx so it never bumps ctime, matching the
// atime-read-does-not-change-status POSIX rule this module follows.
func (s *Store) SetAttrTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, req fsapi.SetAttrRequest) error {
	if req.Atime != nil && req.Size == nil && req.Mode == nil && req.Uid == nil && req.Gid == nil && req.Mtime == nil {
		return s.UpdateAtimeTx(ctx, tx, ino, *req.Atime)
	}

	now := s.clock.Now().UnixNano()
	if req.Size != nil {
		if err := s.resizeDataTx(ctx, tx, ino, *req.Size); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE inodes SET size = ? WHERE ino = ?`, *req.Size, ino); err != nil {
			return wrapWriteErr("store.SetAttrTx", err)
		}
	}
	if req.Mode != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE inodes SET mode = ? WHERE ino = ?`, uint32(*req.Mode), ino); err != nil {
			return errs.Wrap("store.SetAttrTx", errs.Storage, err)
		}
	}
	if req.Uid != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE inodes SET uid = ? WHERE ino = ?`, *req.Uid, ino); err != nil {
			return errs.Wrap("store.SetAttrTx", errs.Storage, err)
		}
	}
	if req.Gid != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE inodes SET gid = ? WHERE ino = ?`, *req.Gid, ino); err != nil {
			return errs.Wrap("store.SetAttrTx", errs.Storage, err)
		}
	}
	if req.Atime != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE inodes SET atime_unix_ns = ? WHERE ino = ?`, req.Atime.UnixNano(), ino); err != nil {
			return errs.Wrap("store.SetAttrTx", errs.Storage, err)
		}
	}
	if req.Mtime != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE inodes SET mtime_unix_ns = ? WHERE ino = ?`, req.Mtime.UnixNano(), ino); err != nil {
			return errs.Wrap("store.SetAttrTx", errs.Storage, err)
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE inodes SET ctime_unix_ns = ? WHERE ino = ?`, now, ino)
	if err != nil {
		return errs.Wrap("store.SetAttrTx", errs.Storage, err)
	}
	return nil
}

// UpdateAtimeTx is the coalesced atime-only update path used by the
// opportunistic atime policy (SPEC_FULL.md §4.2 Open Question resolution):
// it never touches ctime, since reading a file does not change its status
// per POSIX.
func (s *Store) UpdateAtimeTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE inodes SET atime_unix_ns = ? WHERE ino = ?`, at.UnixNano(), ino)
	if err != nil {
		return errs.Wrap("store.UpdateAtimeTx", errs.Storage, err)
	}
	return nil
}
