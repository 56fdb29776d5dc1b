package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfs-dev/agentfs-core/fsapi"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRootInodeExists(t *testing.T) {
	s := openTestStore(t)
	attr, err := s.GetInode(context.Background(), fsapi.RootInodeID)
	require.NoError(t, err)
	require.True(t, attr.IsDir())
	require.EqualValues(t, 2, attr.Nlink)
}

func TestCreateLookupFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ino fsapi.InodeID
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ino, err = s.CreateInodeTx(ctx, tx, 0644, 1000, 1000)
		if err != nil {
			return err
		}
		return s.CreateDentryTx(ctx, tx, fsapi.RootInodeID, "hello.txt", ino)
	})
	require.NoError(t, err)

	got, err := s.Lookup(ctx, fsapi.RootInodeID, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, ino, got)

	_, err = s.Lookup(ctx, fsapi.RootInodeID, "missing")
	require.Error(t, err)
}

func TestWriteReadData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ino fsapi.InodeID
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ino, err = s.CreateInodeTx(ctx, tx, 0644, 0, 0)
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := s.WriteDataTx(ctx, tx, ino, []byte("hello"), 0)
		require.Equal(t, 5, n)
		return err
	})
	require.NoError(t, err)

	content, err := s.ReadData(ctx, ino)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content)

	// write past EOF zero-fills the gap
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.WriteDataTx(ctx, tx, ino, []byte("!"), 10)
		return err
	})
	require.NoError(t, err)
	content, err = s.ReadData(ctx, ino)
	require.NoError(t, err)
	require.Equal(t, []byte("hello\x00\x00\x00\x00\x00!"), content)
}

func TestRenameOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var a, b fsapi.InodeID
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = s.CreateInodeTx(ctx, tx, 0644, 0, 0)
		if err != nil {
			return err
		}
		if err := s.CreateDentryTx(ctx, tx, fsapi.RootInodeID, "a", a); err != nil {
			return err
		}
		b, err = s.CreateInodeTx(ctx, tx, 0644, 0, 0)
		if err != nil {
			return err
		}
		return s.CreateDentryTx(ctx, tx, fsapi.RootInodeID, "b", b)
	})
	require.NoError(t, err)

	err = s.Rename(ctx, fsapi.RootInodeID, "a", fsapi.RootInodeID, "b")
	require.NoError(t, err)

	got, err := s.Lookup(ctx, fsapi.RootInodeID, "b")
	require.NoError(t, err)
	require.Equal(t, a, got)

	_, err = s.Lookup(ctx, fsapi.RootInodeID, "a")
	require.Error(t, err)
}

func TestWhiteouts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.CreateWhiteoutTx(ctx, tx, fsapi.RootInodeID, "gone")
	})
	require.NoError(t, err)

	has, err := s.HasWhiteout(ctx, fsapi.RootInodeID, "gone")
	require.NoError(t, err)
	require.True(t, has)

	_, err = s.Lookup(ctx, fsapi.RootInodeID, "gone")
	require.Error(t, err)

	list, err := s.ListWhiteouts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestOpaqueDirMarker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	opaque, err := s.IsOpaque(ctx, fsapi.RootInodeID)
	require.NoError(t, err)
	require.False(t, opaque)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetOpaqueTx(ctx, tx, fsapi.RootInodeID, true)
	})
	require.NoError(t, err)

	opaque, err = s.IsOpaque(ctx, fsapi.RootInodeID)
	require.NoError(t, err)
	require.True(t, opaque)
}
