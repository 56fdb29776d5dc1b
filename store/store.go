// Package store implements the durable Store contract spec.md §4.1/§6
// describes: an inode/dirent/dirmeta/data/origins schema backed by SQLite
// via database/sql and github.com/mattn/go-sqlite3, transactions for every
// multi-statement mutation, and an idle-stack connection pool with no
// maximum size (original_source/sdk/rust/src/connection_pool.rs).
package store

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentfs-dev/agentfs-core/clock"
	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
	"github.com/agentfs-dev/agentfs-core/logging"
)

// Store owns one SQLite-backed delta database plus its connection pool.
type Store struct {
	db    *sql.DB
	pool  *connPool
	clock clock.Clock
}

// SetClock overrides the Store's time source for inode timestamps, used by
// tests asserting exact atime/mtime/ctime values.
func (s *Store) SetClock(c clock.Clock) { s.clock = c }

// Open opens (creating if absent) the SQLite database at path and ensures
// its schema exists, seeding the root inode if the database is fresh.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, errs.Wrap("store.Open", errs.Storage, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap("store.Open", errs.Storage, err)
	}

	s := &Store{db: db, pool: newConnPool(db), clock: clock.Real{}}
	if err := s.ensureRoot(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureRoot(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inodes WHERE ino = ?`, fsapi.RootInodeID).Scan(&count); err != nil {
		return errs.Wrap("store.ensureRoot", errs.Storage, err)
	}
	if count > 0 {
		return nil
	}
	now := s.clock.Now().UnixNano()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inodes (ino, mode, uid, gid, size, nlink, atime_unix_ns, mtime_unix_ns, ctime_unix_ns)
			VALUES (?, ?, 0, 0, 0, 2, ?, ?, ?)`,
			fsapi.RootInodeID, uint32(os.ModeDir|0755), now, now, now)
		return err
	})
}

// Close closes every pooled connection and the underlying database handle.
func (s *Store) Close() error {
	s.pool.closeAll()
	return s.db.Close()
}

// isTransient reports whether err is a SQLite busy/locked error worth a
// single retry, per spec §7's "transient database errors are retried at
// most once."
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "database is locked", "database table is locked", "SQLITE_BUSY")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// WithTx runs f inside a single SQL transaction checked out from the pool,
// committing on success and rolling back on error. Transient busy/locked
// errors are retried exactly once.
func (s *Store) WithTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	err := s.withTxOnce(ctx, f)
	if err != nil && isTransient(err) {
		logging.WithOp(logging.FromContext(ctx), "store.WithTx").Debug("retrying after transient error", "error", err)
		err = s.withTxOnce(ctx, f)
	}
	return err
}

func (s *Store) withTxOnce(ctx context.Context, f func(tx *sql.Tx) error) error {
	pc, err := s.pool.get(ctx)
	if err != nil {
		return errs.Wrap("store.WithTx", errs.Storage, err)
	}
	defer pc.Release()

	tx, err := pc.conn.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap("store.WithTx", errs.Storage, err)
	}

	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap("store.WithTx", errs.Storage, err)
	}
	return nil
}
