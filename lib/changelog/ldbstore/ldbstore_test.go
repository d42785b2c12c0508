package ldbstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/changelog/storetest"
	"github.com/cmtidx/cmtidx/lib/solana"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) changelog.Store {
		s, err := Open(Options{})
		require.NoError(t, err)
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "merkle")
	tree := solana.PublicKey{1}

	s, err := Open(Options{Path: dir, Sync: true})
	require.NoError(t, err)
	for _, ev := range storetest.Events(t, tree, 3)[1:] {
		require.NoError(t, s.UpsertChangeLog(ctx, ev))
	}
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	info, err := s.LatestTreeInfo(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.Seq)

	rows, err := s.AllRows(ctx, tree)
	require.NoError(t, err)
	require.Len(t, rows, 12)
}

func TestKeyOrder(t *testing.T) {
	tree := solana.PublicKey{1}
	require.Less(t, string(rowKey(tree, 1, 300)), string(rowKey(tree, 2, 1)))
	require.Less(t, string(nodeKey(tree, 1, 300)), string(nodeKey(tree, 2, 1)))
	require.Less(t, string(nodeKey(tree, 7, 255)), string(nodeKey(tree, 7, 256)))

	seq := uint64(4)
	rng := nodeRange(tree, 7, &seq)
	require.Equal(t, string(nodeKey(tree, 7, 5)), string(rng.Limit))
}

func TestClosed(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.AllRows(context.Background(), solana.PublicKey{1})
	require.Error(t, err)
}
