package store

// schema is the literal DDL for the Store's backing SQLite database. Table
// shape follows the teacher-adjacent dxfuse metadata_db.go pattern
// (one row per inode, a separate parent+name keyed namespace table) and
// the column set spec.md §6 names: inodes, dirents, dirmeta, data, plus
// the [NEW] origins table SPEC_FULL.md §3 adds for overlay copy-up
// inode-identity preservation.
const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	ino            INTEGER PRIMARY KEY AUTOINCREMENT,
	mode           INTEGER NOT NULL,
	uid            INTEGER NOT NULL DEFAULT 0,
	gid            INTEGER NOT NULL DEFAULT 0,
	size           INTEGER NOT NULL DEFAULT 0,
	nlink          INTEGER NOT NULL DEFAULT 1,
	atime_unix_ns  INTEGER NOT NULL DEFAULT 0,
	mtime_unix_ns  INTEGER NOT NULL DEFAULT 0,
	ctime_unix_ns  INTEGER NOT NULL DEFAULT 0,
	symlink_target TEXT
);

CREATE TABLE IF NOT EXISTS dirents (
	parent INTEGER NOT NULL,
	name   TEXT    NOT NULL,
	child  INTEGER NOT NULL,
	kind   INTEGER NOT NULL DEFAULT 0, -- 0 = normal, 1 = whiteout
	PRIMARY KEY (parent, name)
);

CREATE INDEX IF NOT EXISTS idx_dirents_parent ON dirents(parent);

CREATE TABLE IF NOT EXISTS dirmeta (
	ino    INTEGER PRIMARY KEY,
	opaque INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS data (
	ino     INTEGER PRIMARY KEY,
	content BLOB NOT NULL DEFAULT x''
);

CREATE TABLE IF NOT EXISTS origins (
	delta_ino INTEGER PRIMARY KEY,
	base_ino  INTEGER NOT NULL
);
`

const direntKindNormal = 0
const direntKindWhiteout = 1
