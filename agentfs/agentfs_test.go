package agentfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
	"github.com/agentfs-dev/agentfs-core/store"
)

func newTestFS(t *testing.T) *AgentFS {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestCreateLookupUnlink(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	attr, err := fs.CreateFile(ctx, fsapi.RootInodeID, "a.txt", 0644)
	require.NoError(t, err)
	require.False(t, attr.IsDir())

	got, err := fs.Lookup(ctx, fsapi.RootInodeID, "a.txt")
	require.NoError(t, err)
	require.Equal(t, attr.Ino, got.Ino)

	// cache hit path
	got2, err := fs.Lookup(ctx, fsapi.RootInodeID, "a.txt")
	require.NoError(t, err)
	require.Equal(t, got.Ino, got2.Ino)

	require.NoError(t, fs.Unlink(ctx, fsapi.RootInodeID, "a.txt"))
	_, err = fs.Lookup(ctx, fsapi.RootInodeID, "a.txt")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestMkdirRmdirNotEmpty(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	dir, err := fs.Mkdir(ctx, fsapi.RootInodeID, "d", 0755)
	require.NoError(t, err)
	require.True(t, dir.IsDir())

	_, err = fs.CreateFile(ctx, dir.Ino, "child", 0644)
	require.NoError(t, err)

	err = fs.Rmdir(ctx, fsapi.RootInodeID, "d")
	require.True(t, errs.Is(err, errs.NotEmpty))

	require.NoError(t, fs.Unlink(ctx, dir.Ino, "child"))
	require.NoError(t, fs.Rmdir(ctx, fsapi.RootInodeID, "d"))
}

func TestWriteReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	attr, err := fs.CreateFile(ctx, fsapi.RootInodeID, "f", 0644)
	require.NoError(t, err)

	n, err := fs.WriteAt(ctx, attr.Ino, []byte("payload"), 0)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	buf := make([]byte, 16)
	n, err = fs.ReadAt(ctx, attr.Ino, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestHardLinkRejectsDirectories(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	dir, err := fs.Mkdir(ctx, fsapi.RootInodeID, "d", 0755)
	require.NoError(t, err)

	_, err = fs.Link(ctx, fsapi.RootInodeID, "d2", dir.Ino)
	require.True(t, errs.Is(err, errs.PermissionDenied))
}

func TestUnlinkDefersReclaimUntilLastRelease(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	attr, err := fs.CreateFile(ctx, fsapi.RootInodeID, "open.txt", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Open(ctx, attr.Ino))
	require.NoError(t, fs.Open(ctx, attr.Ino)) // two handles on the same inode

	require.NoError(t, fs.Unlink(ctx, fsapi.RootInodeID, "open.txt"))

	// The name is gone, but the inode and its data must survive while a
	// handle remains open.
	_, err = fs.Lookup(ctx, fsapi.RootInodeID, "open.txt")
	require.True(t, errs.Is(err, errs.NotFound))

	got, err := fs.GetAttr(ctx, attr.Ino)
	require.NoError(t, err)
	require.EqualValues(t, 0, got.Nlink)

	n, err := fs.WriteAt(ctx, attr.Ino, []byte("late write"), 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	// One of the two handles closes: still one left, so still retained.
	require.NoError(t, fs.Release(ctx, attr.Ino))
	_, err = fs.GetAttr(ctx, attr.Ino)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err = fs.ReadAt(ctx, attr.Ino, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "late write", string(buf[:n]))

	// The last handle closes: now the inode is actually reclaimed.
	require.NoError(t, fs.Release(ctx, attr.Ino))
	_, err = fs.GetAttr(ctx, attr.Ino)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestReleaseReclaimsAlreadyUnlinkedInodeWithNoOpenHandles(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	attr, err := fs.CreateFile(ctx, fsapi.RootInodeID, "f.txt", 0644)
	require.NoError(t, err)

	// Unlink with no open handle reclaims immediately.
	require.NoError(t, fs.Unlink(ctx, fsapi.RootInodeID, "f.txt"))
	_, err = fs.GetAttr(ctx, attr.Ino)
	require.True(t, errs.Is(err, errs.NotFound))

	// Release against an inode nobody holds open, and which is already
	// gone, must not error: either order of unlink/close is valid.
	require.NoError(t, fs.Release(ctx, attr.Ino))
}

func TestRenameInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	attr, err := fs.CreateFile(ctx, fsapi.RootInodeID, "old", 0644)
	require.NoError(t, err)
	_, err = fs.Lookup(ctx, fsapi.RootInodeID, "old") // warm cache
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, fsapi.RootInodeID, "old", fsapi.RootInodeID, "new"))

	_, err = fs.Lookup(ctx, fsapi.RootInodeID, "old")
	require.Error(t, err)

	got, err := fs.Lookup(ctx, fsapi.RootInodeID, "new")
	require.NoError(t, err)
	require.Equal(t, attr.Ino, got.Ino)
}
