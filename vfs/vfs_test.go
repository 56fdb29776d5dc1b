package vfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfs-dev/agentfs-core/agentfs"
	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
	"github.com/agentfs-dev/agentfs-core/store"
)

func newTestVfs(t *testing.T) *Vfs {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(agentfs.New(s))
}

func TestCreateWriteReadClose(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	fd, err := v.Open(ctx, "/a.txt", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)

	n, err := v.Write(ctx, fd, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	require.NoError(t, v.Close(ctx, fd))

	fd2, err := v.Open(ctx, "/a.txt", fsapi.OReadOnly, 0)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err = v.Read(ctx, fd2, buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:n]))
	require.NoError(t, v.Close(ctx, fd2))
}

func TestOpenCreateExclFailsIfExists(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	fd, err := v.Open(ctx, "/a.txt", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx, fd))

	_, err = v.Open(ctx, "/a.txt", fsapi.OCreate|fsapi.OExclusive, 0644)
	require.True(t, errs.Is(err, errs.AlreadyExists))
}

func TestPendingCreateMaterializesOnClose(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	fd, err := v.Open(ctx, "/ghost.txt", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)

	// nothing written; close flushes (materializes) per sqlite.rs semantics
	require.NoError(t, v.Close(ctx, fd))

	_, err = v.Stat(ctx, "/ghost.txt")
	require.NoError(t, err)
}

func TestAppendAlwaysTargetsEnd(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	fd, err := v.Open(ctx, "/log.txt", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)
	_, err = v.Write(ctx, fd, []byte("AAAA"))
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx, fd))

	fd2, err := v.Open(ctx, "/log.txt", fsapi.OAppend|fsapi.OReadWrite, 0)
	require.NoError(t, err)
	_, err = v.Seek(ctx, fd2, 0, 0)
	require.NoError(t, err)
	_, err = v.Write(ctx, fd2, []byte("BBBB"))
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx, fd2))

	fd3, err := v.Open(ctx, "/log.txt", fsapi.OReadOnly, 0)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := v.Read(ctx, fd3, buf)
	require.NoError(t, err)
	require.Equal(t, "AAAABBBB", string(buf[:n]))
}

func TestMkdirAndGetdents(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	_, err := v.Mkdir(ctx, "/d", 0755)
	require.NoError(t, err)
	fd, err := v.Open(ctx, "/d/f1", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx, fd))

	dfd, err := v.OpenDir(ctx, "/d")
	require.NoError(t, err)

	var names []string
	for {
		entries, err := v.Getdents(ctx, dfd, 8)
		require.NoError(t, err)
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
	}
	require.NoError(t, v.CloseDir(ctx, dfd))

	require.Contains(t, names, ".")
	require.Contains(t, names, "..")
	require.Contains(t, names, "f1")
}

func TestRenameAndUnlink(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	fd, err := v.Open(ctx, "/src.txt", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx, fd))

	require.NoError(t, v.Rename(ctx, "/src.txt", "/dst.txt"))
	_, err = v.Stat(ctx, "/src.txt")
	require.True(t, errs.Is(err, errs.NotFound))

	require.NoError(t, v.Unlink(ctx, "/dst.txt"))
	_, err = v.Stat(ctx, "/dst.txt")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestSymlinkResolution(t *testing.T) {
	ctx := context.Background()
	v := newTestVfs(t)

	fd, err := v.Open(ctx, "/target.txt", fsapi.OCreate|fsapi.OReadWrite, 0644)
	require.NoError(t, err)
	_, err = v.Write(ctx, fd, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, v.Close(ctx, fd))

	_, err = v.Symlink(ctx, "/target.txt", "/link.txt")
	require.NoError(t, err)

	attr, err := v.Stat(ctx, "/link.txt")
	require.NoError(t, err)
	require.False(t, attr.IsSymlink()) // Stat follows the link

	target, err := v.Readlink(ctx, "/link.txt")
	require.NoError(t, err)
	require.Equal(t, "/target.txt", target)
}
