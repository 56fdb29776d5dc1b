package store

import (
	"os"
	"strings"
	"time"

	"github.com/agentfs-dev/agentfs-core/errs"
)

func modeFromBits(bits uint32) os.FileMode { return os.FileMode(bits) }

func unixNano(ns int64) time.Time { return time.Unix(0, ns) }

// wrapWriteErr classifies err from a write-path statement (an INSERT or
// UPDATE that grows the database file), returning errs.NoSpace for a
// SQLite disk-full condition and errs.Storage otherwise. Returns nil if
// err is nil.
func wrapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_FULL") || strings.Contains(msg, "database or disk is full") {
		return errs.Wrap(op, errs.NoSpace, err)
	}
	return errs.Wrap(op, errs.Storage, err)
}
