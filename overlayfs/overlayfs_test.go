package overlayfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfs-dev/agentfs-core/agentfs"
	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
	"github.com/agentfs-dev/agentfs-core/hostfs"
	"github.com/agentfs-dev/agentfs-core/store"
)

func newTestOverlay(t *testing.T) (*OverlayFS, string) {
	t.Helper()
	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "base.txt"), []byte("from base"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(baseDir, "basedir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "basedir", "nested.txt"), []byte("nested"), 0644))

	base, err := hostfs.New(baseDir)
	require.NoError(t, err)

	s, err := store.Open(t.TempDir() + "/delta.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	delta := agentfs.New(s)

	return New(base, delta), baseDir
}

func TestLookupFallsThroughToBase(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOverlay(t)

	attr, err := o.Lookup(ctx, fsapi.RootInodeID, "base.txt")
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := o.ReadAt(ctx, attr.Ino, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "from base", string(buf[:n]))
}

func TestWriteTriggersCopyUp(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOverlay(t)

	attr, err := o.Lookup(ctx, fsapi.RootInodeID, "base.txt")
	require.NoError(t, err)

	_, err = o.WriteAt(ctx, attr.Ino, []byte("MODIFIED"), 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := o.ReadAt(ctx, attr.Ino, buf, 0)
	require.NoError(t, err)
	// the 8-byte write overlays the 9-byte base content; its last byte stays
	require.Equal(t, "MODIFIEDe", string(buf[:n]))

	// inode number is preserved across the copy-up transition
	attr2, err := o.Lookup(ctx, fsapi.RootInodeID, "base.txt")
	require.NoError(t, err)
	require.Equal(t, attr.Ino, attr2.Ino)
}

func TestUnlinkBaseVisibleRecordsWhiteout(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOverlay(t)

	require.NoError(t, o.Unlink(ctx, fsapi.RootInodeID, "base.txt"))

	_, err := o.Lookup(ctx, fsapi.RootInodeID, "base.txt")
	require.True(t, errs.Is(err, errs.NotFound))

	entries, err := o.ReadDirPlus(ctx, fsapi.RootInodeID)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, "base.txt", e.Name)
	}
}

func TestReaddirMergesLayers(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOverlay(t)

	_, err := o.CreateFile(ctx, fsapi.RootInodeID, "delta-only.txt", 0644)
	require.NoError(t, err)

	entries, err := o.ReadDirPlus(ctx, fsapi.RootInodeID)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["base.txt"])
	require.True(t, names["basedir"])
	require.True(t, names["delta-only.txt"])
}

func TestRmdirThenMkdirHidesBaseContent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOverlay(t)

	dirAttr, err := o.Lookup(ctx, fsapi.RootInodeID, "basedir")
	require.NoError(t, err)

	// basedir is only empty in the merged view once its base-visible child
	// is whited out; Rmdir enforces emptiness against that merged view.
	require.NoError(t, o.Unlink(ctx, dirAttr.Ino, "nested.txt"))
	require.NoError(t, o.Rmdir(ctx, fsapi.RootInodeID, "basedir"))

	_, err = o.Lookup(ctx, fsapi.RootInodeID, "basedir")
	require.True(t, errs.Is(err, errs.NotFound))

	newDir, err := o.Mkdir(ctx, fsapi.RootInodeID, "basedir", 0755)
	require.NoError(t, err)
	require.True(t, newDir.IsDir())

	entries, err := o.ReadDirPlus(ctx, newDir.Ino)
	require.NoError(t, err)
	require.Empty(t, entries) // no nested.txt leaking back in from base

	pm, err := o.pmOf(newDir.Ino)
	require.NoError(t, err)
	require.NotNil(t, pm.delta)
	opaque, err := o.delta.Store().IsOpaque(ctx, *pm.delta)
	require.NoError(t, err)
	require.True(t, opaque)
}

func TestCreateInBaseVisibleDirectoryMaterializesDelta(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOverlay(t)

	baseDirAttr, err := o.Lookup(ctx, fsapi.RootInodeID, "basedir")
	require.NoError(t, err)
	require.True(t, baseDirAttr.IsDir())

	attr, err := o.CreateFile(ctx, baseDirAttr.Ino, "new.txt", 0644)
	require.NoError(t, err)
	require.False(t, attr.IsDir())

	entries, err := o.ReadDirPlus(ctx, baseDirAttr.Ino)
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["nested.txt"])
	require.True(t, names["new.txt"])
}
