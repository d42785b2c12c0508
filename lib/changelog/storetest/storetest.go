// Package storetest holds the behaviour every changelog.Store backend must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/outcome"
	"github.com/cmtidx/cmtidx/lib/solana"
)

// Opener returns an empty store; the suite closes it.
type Opener func(t *testing.T) changelog.Store

var (
	treeA = solana.PublicKey{0xa}
	treeB = solana.PublicKey{0xb}
)

func Run(t *testing.T, open Opener) {
	tests := map[string]func(*testing.T, changelog.Store){
		"Idempotence":      testIdempotence,
		"Gaps":             testGaps,
		"ZeroSeq":          testZeroSeq,
		"Corruption":       testCorruption,
		"LatestRows":       testLatestRows,
		"RowsForNodes":     testRowsForNodes,
		"TreeInfo":         testTreeInfo,
		"TreesAreIsolated": testTreesAreIsolated,
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer func() { require.NoError(t, s.Close()) }()
			f(t, s)
		})
	}
}

// Events appends n leaves to a fresh depth-3 tree and returns the events with slot 100+seq.
func Events(t *testing.T, tree solana.PublicKey, n int) []*cmtevent.ChangeLogEvent {
	ref, err := cmt.NewReferenceTree(3)
	require.NoError(t, err)
	out := []*cmtevent.ChangeLogEvent{cmtevent.NewChangeLogEvent(tree, ref.InitialChangeLog())}
	for i := 0; i < n; i++ {
		cl, err := ref.Append(cmt.Node{byte(i + 1), 0xcc})
		require.NoError(t, err)
		ev := cmtevent.NewChangeLogEvent(tree, cl)
		ev.Slot = 100 + cl.Seq
		ev.TxID = TxID(cl.Seq)
		out = append(out, ev)
	}
	return out
}

func TxID(seq uint64) string {
	return "tx" + string(rune('a'+seq%26))
}

func upsert(t *testing.T, s changelog.Store, evs ...*cmtevent.ChangeLogEvent) {
	for _, ev := range evs {
		require.NoError(t, s.UpsertChangeLog(context.Background(), ev))
	}
}

func testIdempotence(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	evs := Events(t, treeA, 4)
	upsert(t, s, evs...)
	first, err := s.AllRows(ctx, treeA)
	require.NoError(t, err)
	require.Len(t, first, 4*4)

	upsert(t, s, evs...)
	upsert(t, s, evs[2])
	second, err := s.AllRows(ctx, treeA)
	require.NoError(t, err)
	require.Equal(t, first, second)

	for i := 1; i < len(second); i++ {
		a, b := second[i-1], second[i]
		require.True(t, a.Seq < b.Seq || (a.Seq == b.Seq && a.NodeIndex < b.NodeIndex))
	}
}

func testGaps(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	evs := Events(t, treeA, 9)
	for _, seq := range []int{0, 1, 2, 5, 6, 9} {
		upsert(t, s, evs[seq])
	}

	gaps, err := s.MissingSequenceRange(ctx, treeA, 0)
	require.NoError(t, err)
	require.Equal(t, []changelog.GapInfo{
		{PrevSeq: 2, PrevSlot: 102, PrevTxID: TxID(2), CurSeq: 5, CurSlot: 105, CurTxID: TxID(5)},
		{PrevSeq: 6, PrevSlot: 106, PrevTxID: TxID(6), CurSeq: 9, CurSlot: 109, CurTxID: TxID(9)},
	}, gaps)

	gaps, err = s.MissingSequenceRange(ctx, treeA, 5)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, uint64(6), gaps[0].PrevSeq)

	upsert(t, s, evs[3], evs[4], evs[7], evs[8])
	gaps, err = s.MissingSequenceRange(ctx, treeA, 0)
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func testZeroSeq(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	evs := Events(t, treeA, 1)
	upsert(t, s, evs[0])

	has, err := s.HasTree(ctx, treeA)
	require.NoError(t, err)
	require.False(t, has)

	zero := changelog.RowsFromEvent(evs[1])
	for i := range zero {
		zero[i].Seq = 0
	}
	require.NoError(t, s.UpsertRows(ctx, zero))
	_, err = s.LatestTreeInfo(ctx, treeA)
	require.ErrorIs(t, err, changelog.ErrNotFound)

	upsert(t, s, evs[1])
	has, err = s.HasTree(ctx, treeA)
	require.NoError(t, err)
	require.True(t, has)
}

func testCorruption(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	evs := Events(t, treeA, 3)
	upsert(t, s, evs[1], evs[2], evs[3])

	// same seq, same path, different transaction: rows at other node indices disagree
	other := *evs[2]
	other.Slot, other.TxID = 555, "forked"
	other.Path = append([]cmt.PathNode(nil), evs[2].Path...)
	other.Path[0].Index = cmt.LeafNodeIndex(3, 5)
	rows := changelog.RowsFromEvent(&other)
	require.NoError(t, s.UpsertRows(ctx, rows[:1]))

	_, err := s.MissingSequenceRange(ctx, treeA, 0)
	require.ErrorIs(t, err, changelog.ErrDataCorruption)
	require.True(t, outcome.IsFatal(err))
}

func testLatestRows(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	evs := Events(t, treeA, 3)
	upsert(t, s, evs[1:]...)

	rows, err := s.LatestTreeRows(ctx, treeA, nil)
	require.NoError(t, err)
	// leaves 8,9,10 + 4,5 + 2 + root
	var idx []uint32
	for _, r := range rows {
		idx = append(idx, r.NodeIndex)
	}
	require.Equal(t, []uint32{1, 2, 4, 5, 8, 9, 10}, idx)
	require.Equal(t, evs[3].Path[3].Node, rows[0].Hash)
	require.Equal(t, uint64(3), rows[0].Seq)
	require.Equal(t, uint64(2), rows[2].Seq) // node 4 last touched by leaf 1
	require.Equal(t, uint64(1), rows[4].Seq)
	require.Equal(t, uint64(3), rows[6].Seq)

	one := uint64(1)
	rows, err = s.LatestTreeRows(ctx, treeA, &one)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, r := range rows {
		require.Equal(t, uint64(1), r.Seq)
	}

	zero := uint64(0)
	rows, err = s.LatestTreeRows(ctx, treeA, &zero)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func testRowsForNodes(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	evs := Events(t, treeA, 4)
	upsert(t, s, evs[1:]...)

	rows, err := s.RowsForNodes(ctx, treeA, []uint32{1, 9, 5, 3, 14}, nil)
	require.NoError(t, err)
	var idx []uint32
	for _, r := range rows {
		idx = append(idx, r.NodeIndex)
	}
	// node 3 covers leaves 4..7 which were never written; leaf 14 neither
	require.Equal(t, []uint32{9, 5, 1}, idx)
	require.Equal(t, []uint32{0, 1, 3}, []uint32{rows[0].Level, rows[1].Level, rows[2].Level})
	require.Equal(t, uint64(4), rows[1].Seq)

	two := uint64(2)
	rows, err = s.RowsForNodes(ctx, treeA, []uint32{1, 4}, &two)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint64(2), rows[0].Seq)
	require.Equal(t, evs[2].Path[1].Node, rows[0].Hash)
	require.Equal(t, evs[2].Path[3].Node, rows[1].Hash)
}

func testTreeInfo(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	_, err := s.LatestTreeInfo(ctx, treeA)
	require.ErrorIs(t, err, changelog.ErrNotFound)

	_, err = s.EarliestTreeInfo(ctx, treeA)
	require.ErrorIs(t, err, changelog.ErrNotFound)

	evs := Events(t, treeA, 5)
	upsert(t, s, evs[5], evs[2], evs[3])
	info, err := s.LatestTreeInfo(ctx, treeA)
	require.NoError(t, err)
	require.Equal(t, changelog.TreeInfo{Seq: 5, Slot: 105, TxID: TxID(5)}, info)

	info, err = s.EarliestTreeInfo(ctx, treeA)
	require.NoError(t, err)
	require.Equal(t, changelog.TreeInfo{Seq: 2, Slot: 102, TxID: TxID(2)}, info)
}

func testTreesAreIsolated(t *testing.T, s changelog.Store) {
	ctx := context.Background()
	upsert(t, s, Events(t, treeB, 7)[1:]...)
	upsert(t, s, Events(t, treeA, 2)[1:]...)

	info, err := s.LatestTreeInfo(ctx, treeA)
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.Seq)

	rows, err := s.AllRows(ctx, treeA)
	require.NoError(t, err)
	require.Len(t, rows, 8)
	for _, r := range rows {
		require.Equal(t, treeA, r.TreeID)
	}

	gaps, err := s.MissingSequenceRange(ctx, treeB, 0)
	require.NoError(t, err)
	require.Empty(t, gaps)
}
