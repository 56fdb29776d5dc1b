package store

import (
	"context"
	"database/sql"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

// ReadData returns the full content blob of file ino.
func (s *Store) ReadData(ctx context.Context, ino fsapi.InodeID) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM data WHERE ino = ?`, ino).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, nil // file created but never written: empty content
	}
	if err != nil {
		return nil, errs.Wrap("store.ReadData", errs.Storage, err)
	}
	return content, nil
}

// WriteDataTx writes p at offset off into file ino's content blob,
// zero-filling any gap if off is past the current length, and updates the
// inode's size. Returns the number of bytes written.
func (s *Store) WriteDataTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, p []byte, off int64) (int, error) {
	content, err := s.readDataTx(ctx, tx, ino)
	if err != nil {
		return 0, err
	}

	end := off + int64(len(p))
	if int64(len(content)) < end {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[off:end], p)

	if err := s.putDataTx(ctx, tx, ino, content); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inodes SET size = ? WHERE ino = ?`, len(content), ino); err != nil {
		return 0, wrapWriteErr("store.WriteDataTx", err)
	}
	return len(p), nil
}

func (s *Store) readDataTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID) ([]byte, error) {
	var content []byte
	err := tx.QueryRowContext(ctx, `SELECT content FROM data WHERE ino = ?`, ino).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap("store.readDataTx", errs.Storage, err)
	}
	return content, nil
}

func (s *Store) putDataTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, content []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO data (ino, content) VALUES (?, ?)
		ON CONFLICT(ino) DO UPDATE SET content = excluded.content`, ino, content)
	if err != nil {
		return wrapWriteErr("store.putDataTx", err)
	}
	return nil
}

// resizeDataTx truncates or zero-extends file ino's content blob to
// exactly size bytes, used by SetAttrTx for truncate(2)/ftruncate(2).
func (s *Store) resizeDataTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID, size uint64) error {
	content, err := s.readDataTx(ctx, tx, ino)
	if err != nil {
		return err
	}
	switch {
	case uint64(len(content)) > size:
		content = content[:size]
	case uint64(len(content)) < size:
		grown := make([]byte, size)
		copy(grown, content)
		content = grown
	default:
		return nil
	}
	return s.putDataTx(ctx, tx, ino, content)
}

// DeleteDataTx removes file ino's content blob entirely.
func (s *Store) DeleteDataTx(ctx context.Context, tx *sql.Tx, ino fsapi.InodeID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM data WHERE ino = ?`, ino)
	if err != nil {
		return errs.Wrap("store.DeleteDataTx", errs.Storage, err)
	}
	return nil
}
