// Package changelog defines the persisted form of change-log events and the store
// contract shared by the LevelDB and Postgres backends.
//
// A tree is stored as one row per (sequence number, node index): every event writes the
// maxDepth+1 nodes of the path it touched. The state of the tree at sequence s is the
// row with the highest seq <= s for each node index.
package changelog

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/outcome"
	"github.com/cmtidx/cmtidx/lib/solana"
)

var (
	ErrNotFound = xerrors.New("not found")
	// ErrDataCorruption means the stored history contradicts itself.
	ErrDataCorruption = xerrors.New("data corruption")
)

// Corruptionf returns a fatal error wrapping ErrDataCorruption.
func Corruptionf(format string, args ...any) error {
	return outcome.Fatalf(format+": %w", append(args, ErrDataCorruption)...)
}

type MerkleRow struct {
	TreeID    solana.PublicKey
	Seq       uint64
	NodeIndex uint32
	Level     uint32
	Hash      cmt.Node
	Slot      uint64
	TxID      string
}

// TreeRow is the latest MerkleRow of a node at some bound; it is derived, never stored.
type TreeRow = MerkleRow

type TreeInfo struct {
	Seq  uint64
	Slot uint64
	TxID string
}

// SeqTuple is one distinct (seq, slot, tx) triple in the stored history.
type SeqTuple struct {
	Seq  uint64
	Slot uint64
	TxID string
}

// GapInfo describes missing sequence numbers strictly between PrevSeq and CurSeq.
type GapInfo struct {
	PrevSeq  uint64
	PrevSlot uint64
	PrevTxID string
	CurSeq   uint64
	CurSlot  uint64
	CurTxID  string
}

func (g GapInfo) Missing() uint64 {
	if g.CurSeq <= g.PrevSeq {
		return 0
	}
	return g.CurSeq - g.PrevSeq - 1
}

type Store interface {
	// UpsertChangeLog writes one row per path level of ev atomically. Events with seq 0
	// carry the empty tree and are not persisted.
	UpsertChangeLog(ctx context.Context, ev *cmtevent.ChangeLogEvent) error
	UpsertRows(ctx context.Context, rows []MerkleRow) error

	// LatestTreeRows returns, per node index, the row with the highest seq <= maxSeq
	// (unbounded when maxSeq is nil), ordered by node index.
	LatestTreeRows(ctx context.Context, tree solana.PublicKey, maxSeq *uint64) ([]TreeRow, error)
	// RowsForNodes is LatestTreeRows restricted to nodes, ordered by level.
	RowsForNodes(ctx context.Context, tree solana.PublicKey, nodes []uint32, maxSeq *uint64) ([]TreeRow, error)

	// LatestTreeInfo returns ErrNotFound when nothing is stored for tree.
	LatestTreeInfo(ctx context.Context, tree solana.PublicKey) (TreeInfo, error)
	// EarliestTreeInfo is LatestTreeInfo for the lowest stored seq.
	EarliestTreeInfo(ctx context.Context, tree solana.PublicKey) (TreeInfo, error)
	// MissingSequenceRange lists gaps in the stored seqs >= minSeq, in ascending order.
	MissingSequenceRange(ctx context.Context, tree solana.PublicKey, minSeq uint64) ([]GapInfo, error)
	HasTree(ctx context.Context, tree solana.PublicKey) (bool, error)

	// AllRows returns every row of tree ordered by (seq, node index).
	AllRows(ctx context.Context, tree solana.PublicKey) ([]MerkleRow, error)
	Close() error
}

// RowsFromEvent expands an event into its rows.
func RowsFromEvent(ev *cmtevent.ChangeLogEvent) []MerkleRow {
	if ev.Seq == 0 {
		return nil
	}
	rows := make([]MerkleRow, len(ev.Path))
	for lvl, pn := range ev.Path {
		rows[lvl] = MerkleRow{
			TreeID:    ev.TreeID,
			Seq:       ev.Seq,
			NodeIndex: pn.Index,
			Level:     uint32(lvl),
			Hash:      pn.Node,
			Slot:      ev.Slot,
			TxID:      ev.TxID,
		}
	}
	return rows
}

// GapsFromTuples turns distinct (seq, slot, tx) tuples sorted by seq into gaps. Seeing
// one seq twice means two different transactions claim it.
func GapsFromTuples(tuples []SeqTuple) ([]GapInfo, error) {
	var gaps []GapInfo
	for i := 1; i < len(tuples); i++ {
		prev, cur := tuples[i-1], tuples[i]
		switch {
		case cur.Seq == prev.Seq:
			return nil, Corruptionf("seq %d recorded at slot %d tx %q and at slot %d tx %q", cur.Seq, prev.Slot, prev.TxID, cur.Slot, cur.TxID)
		case cur.Seq < prev.Seq:
			return nil, xerrors.Errorf("seq tuples out of order: %d after %d", cur.Seq, prev.Seq)
		case cur.Seq-prev.Seq > 1:
			gaps = append(gaps, GapInfo{
				PrevSeq: prev.Seq, PrevSlot: prev.Slot, PrevTxID: prev.TxID,
				CurSeq: cur.Seq, CurSlot: cur.Slot, CurTxID: cur.TxID,
			})
		}
	}
	return gaps, nil
}

// CheckRow rejects rows that cannot belong to a tree of depth maxDepth.
func CheckRow(r MerkleRow, maxDepth uint32) error {
	lvl, ok := cmt.NodeLevel(maxDepth, r.NodeIndex)
	if !ok {
		return Corruptionf("node index %d at seq %d outside a depth %d tree", r.NodeIndex, r.Seq, maxDepth)
	}
	if lvl != r.Level {
		return Corruptionf("node %d stored at level %d, expected %d", r.NodeIndex, r.Level, lvl)
	}
	return nil
}
