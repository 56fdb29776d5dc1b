package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfs-dev/agentfs-core/errs"
	"github.com/agentfs-dev/agentfs-core/fsapi"
)

func TestLookupAndReadAt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("content"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	h, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	attr, err := h.Lookup(ctx, fsapi.RootInodeID, "a.txt")
	require.NoError(t, err)
	require.EqualValues(t, 7, attr.Size)

	buf := make([]byte, 7)
	n, err := h.ReadAt(ctx, attr.Ino, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "content", string(buf[:n]))

	subAttr, err := h.Lookup(ctx, fsapi.RootInodeID, "sub")
	require.NoError(t, err)
	require.True(t, subAttr.IsDir())
}

func TestWritesAreRejected(t *testing.T) {
	dir := t.TempDir()
	h, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = h.CreateFile(ctx, fsapi.RootInodeID, "x", 0644)
	require.True(t, errs.Is(err, errs.ReadOnly))

	err = h.Unlink(ctx, fsapi.RootInodeID, "x")
	require.True(t, errs.Is(err, errs.ReadOnly))
}

func TestHardLinksShareInodeID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("content"), 0644))
	require.NoError(t, os.Link(filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")))

	h, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := h.Lookup(ctx, fsapi.RootInodeID, "a.txt")
	require.NoError(t, err)
	b, err := h.Lookup(ctx, fsapi.RootInodeID, "b.txt")
	require.NoError(t, err)

	require.Equal(t, a.Ino, b.Ino)
	require.EqualValues(t, 2, a.Nlink)
	require.EqualValues(t, 2, b.Nlink)
}

func TestLookupRejectsPathComponents(t *testing.T) {
	dir := t.TempDir()
	h, err := New(dir)
	require.NoError(t, err)

	_, err = h.Lookup(context.Background(), fsapi.RootInodeID, "../escape")
	require.True(t, errs.Is(err, errs.InvalidInput))
}
