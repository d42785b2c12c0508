package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/changelog/ldbstore"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
	"github.com/cmtidx/cmtidx/lib/testutil/fakechain"
)

var tree = solana.MustPublicKey("4xWcS2Hp5bx5ULzx6vVBaMxxBJgwDmyGVn3aoAy1LWh9")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{Attempts: 3, Min: time.Millisecond, Max: time.Millisecond}
	cfg.TxParallelism = 4
	return cfg
}

func newStore(t *testing.T) *ldbstore.Store {
	s, err := ldbstore.Open(ldbstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newLedger builds a depth-3 tree created at slot 100 with one append per slot 101..100+n.
func newLedger(t *testing.T, n int) *fakechain.Ledger {
	l, err := fakechain.New(tree, 3, 64, 100)
	require.NoError(t, err)
	l.LookupTables = true
	for i := 0; i < n; i++ {
		_, err := l.Append(101+uint64(i), cmt.Node{byte(i + 1), 0xaa})
		require.NoError(t, err)
	}
	return l
}

func upsertSeqs(t *testing.T, s changelog.Store, l *fakechain.Ledger, seqs ...int) {
	evs := l.Events()
	for _, seq := range seqs {
		require.NoError(t, s.UpsertChangeLog(context.Background(), evs[seq]))
	}
}

func liveOf(t *testing.T, l *fakechain.Ledger) LiveState {
	live, err := FetchLiveState(context.Background(), l, tree, testConfig().Retry)
	require.NoError(t, err)
	return live
}

func TestFetchLiveState(t *testing.T) {
	l := newLedger(t, 3)
	live := liveOf(t, l)
	evs := l.Events()
	require.Equal(t, LiveState{Seq: 3, CreationSlot: 100, LatestSlot: 103, LatestTxID: evs[3].TxID}, live)

	l.FailSignatures(1)
	live = liveOf(t, l)
	require.Equal(t, uint64(103), live.LatestSlot)
}

func TestDetect(t *testing.T) {
	ctx := context.Background()

	t.Run("cold start", func(t *testing.T) {
		l := newLedger(t, 8)
		gaps, err := NewDetector(newStore(t)).Detect(ctx, tree, liveOf(t, l))
		require.NoError(t, err)
		require.Equal(t, []changelog.GapInfo{{PrevSeq: 0, PrevSlot: 100, CurSeq: 9, CurSlot: 108}}, gaps)
	})

	t.Run("nothing on chain", func(t *testing.T) {
		l := newLedger(t, 0)
		gaps, err := NewDetector(newStore(t)).Detect(ctx, tree, liveOf(t, l))
		require.NoError(t, err)
		require.Empty(t, gaps)
	})

	t.Run("caught up", func(t *testing.T) {
		l := newLedger(t, 4)
		s := newStore(t)
		upsertSeqs(t, s, l, 1, 2, 3, 4)
		gaps, err := NewDetector(s).Detect(ctx, tree, liveOf(t, l))
		require.NoError(t, err)
		require.Empty(t, gaps)
	})

	t.Run("leading internal and trailing", func(t *testing.T) {
		l := newLedger(t, 9)
		s := newStore(t)
		upsertSeqs(t, s, l, 3, 4, 6, 7)
		evs := l.Events()

		gaps, err := NewDetector(s).Detect(ctx, tree, liveOf(t, l))
		require.NoError(t, err)
		require.Equal(t, []changelog.GapInfo{
			{PrevSeq: 0, PrevSlot: 100, CurSeq: 3, CurSlot: 103, CurTxID: evs[3].TxID},
			{PrevSeq: 4, PrevSlot: 104, PrevTxID: evs[4].TxID, CurSeq: 6, CurSlot: 106, CurTxID: evs[6].TxID},
			{PrevSeq: 7, PrevSlot: 107, PrevTxID: evs[7].TxID, CurSeq: 9, CurSlot: 109, CurTxID: evs[9].TxID},
		}, gaps)
	})

	t.Run("store ahead of chain", func(t *testing.T) {
		l := newLedger(t, 5)
		s := newStore(t)
		upsertSeqs(t, s, l, 1, 2, 3, 4, 5)
		live := liveOf(t, l)
		live.Seq = 3
		gaps, err := NewDetector(s).Detect(ctx, tree, live)
		require.NoError(t, err)
		require.Empty(t, gaps)
	})
}

func TestBoundarySlot(t *testing.T) {
	live := LiveState{Seq: 10, CreationSlot: 100, LatestSlot: 150, LatestTxID: "newest"}

	// trailing gap: CurTxID is the newest tx and exclusive, so its slot is added
	trailing := changelog.GapInfo{PrevSeq: 7, PrevTxID: "x", CurSeq: 10, CurSlot: 150, CurTxID: "newest"}
	require.Equal(t, []uint64{120, 130, 150}, withBoundarySlot([]uint64{120, 130}, trailing, true, live))
	require.Equal(t, []uint64{150}, withBoundarySlot(nil, trailing, true, live))
	require.Equal(t, []uint64{120, 150}, withBoundarySlot([]uint64{120, 150}, trailing, true, live))

	// cold start pages without a before bound
	cold := changelog.GapInfo{PrevSeq: 0, PrevSlot: 100, CurSeq: 11, CurSlot: 150}
	require.Equal(t, []uint64{100, 150}, withBoundarySlot([]uint64{100, 150}, cold, true, live))
	require.Equal(t, []uint64{100, 120}, withBoundarySlot([]uint64{100, 120}, cold, true, live))

	// only the final gap touches the chain head
	inner := changelog.GapInfo{PrevSeq: 2, CurSeq: 5, CurSlot: 110, CurTxID: "y"}
	require.Equal(t, []uint64{105}, withBoundarySlot([]uint64{105}, inner, false, live))
}

func TestGapSlotsPaging(t *testing.T) {
	ctx := context.Background()
	l, err := fakechain.New(tree, 4, 16, 100)
	require.NoError(t, err)
	// three transactions per slot
	for slot := uint64(101); slot <= 105; slot++ {
		for j := 0; j < 3; j++ {
			_, err := l.Append(slot, cmt.Node{byte(slot), byte(j)})
			require.NoError(t, err)
		}
	}

	cfg := testConfig()
	cfg.SignaturePageSize = 2
	b := New(l, newStore(t), cfg)

	slots, err := b.gapSlots(ctx, tree, changelog.GapInfo{CurSeq: 16})
	require.NoError(t, err)
	require.Equal(t, []uint64{100, 101, 102, 103, 104, 105}, slots)
	// 16 signatures at 2 per page, plus the empty page that ends the scan
	require.Equal(t, 9, l.Calls("getSignaturesForAddress"))

	evs := l.Events()
	slots, err = b.gapSlots(ctx, tree, changelog.GapInfo{PrevSeq: 4, PrevTxID: evs[4].TxID, CurSeq: 11, CurTxID: evs[11].TxID})
	require.NoError(t, err)
	require.Equal(t, []uint64{102, 103, 104}, slots)
}

func rowsOf(t *testing.T, s changelog.Store) []changelog.MerkleRow {
	rows, err := s.AllRows(context.Background(), tree)
	require.NoError(t, err)
	return rows
}

func TestRunFromScratch(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 0)
	for i := 0; i < 8; i++ {
		slot := 101 + uint64(i)
		switch slot {
		case 103:
			l.AddFailedTx(slot)
			l.AddVerifyLeaf(slot)
		case 105:
			l.AddMalformedTx(slot)
		case 106:
			l.AddForeignEvent(slot, solana.PublicKey{0xf})
		case 107:
			l.AddExtraCPITx(slot)
		}
		_, err := l.Append(slot, cmt.Node{byte(i + 1)})
		require.NoError(t, err)
	}

	s := newStore(t)
	res, err := New(l, s, testConfig()).Run(ctx, tree)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Len(t, res.Gaps, 1)
	require.Equal(t, 9, res.Slots)
	require.Empty(t, res.SlotsFailed)
	require.Equal(t, int64(9), res.Events) // init event (seq 0) included
	require.Equal(t, int64(2), res.Malformed)

	rows := rowsOf(t, s)
	require.Len(t, rows, 32)
	nodes := map[uint32]bool{}
	for _, r := range rows {
		nodes[r.NodeIndex] = true
		require.NoError(t, changelog.CheckRow(r, 3))
	}
	require.Len(t, nodes, 15)

	info, err := s.LatestTreeInfo(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, uint64(8), info.Seq)
	require.Equal(t, uint64(108), info.Slot)

	// a second run has nothing to do
	res, err = New(l, s, testConfig()).Run(ctx, tree)
	require.NoError(t, err)
	require.Empty(t, res.Gaps)
	require.Equal(t, 0, res.Slots)
}

func TestResumeAfterPartialRun(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 8)
	slots := l.Slots()
	require.Len(t, slots, 9)

	full := newStore(t)
	_, err := New(l, full, testConfig()).Run(ctx, tree)
	require.NoError(t, err)

	s := newStore(t)
	b := New(l, s, testConfig())
	_, err = b.BackfillSlots(ctx, tree, slots[:len(slots)/2])
	require.NoError(t, err)
	info, err := s.LatestTreeInfo(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.Seq)

	res, err := b.Run(ctx, tree)
	require.NoError(t, err)
	require.Len(t, res.Gaps, 1)
	require.Equal(t, uint64(3), res.Gaps[0].PrevSeq)
	// 104..107 from the signatures plus the boundary slot 108
	require.Equal(t, 5, res.Slots)

	require.Equal(t, rowsOf(t, full), rowsOf(t, s))
}

func TestFillsInternalGaps(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 8)
	s := newStore(t)
	upsertSeqs(t, s, l, 3, 4, 6, 8)

	res, err := New(l, s, testConfig()).Run(ctx, tree)
	require.NoError(t, err)
	require.Len(t, res.Gaps, 3)
	require.Len(t, rowsOf(t, s), 32)

	gaps, err := s.MissingSequenceRange(ctx, tree, 0)
	require.NoError(t, err)
	require.Empty(t, gaps)
}

func TestSlotFailures(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 4)
	// recovers within the retry budget
	l.FailBlock(102, 2)
	// never recovers
	l.FailBlock(103, 100)

	s := newStore(t)
	res, err := New(l, s, testConfig()).Run(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, []uint64{103}, res.SlotsFailed)
	require.ErrorIs(t, res.Err, fakechain.ErrInjected)

	gaps, err := s.MissingSequenceRange(ctx, tree, 0)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, uint64(2), gaps[0].PrevSeq)
	require.Equal(t, uint64(4), gaps[0].CurSeq)

	// the next run picks the hole up once the slot is readable
	l.FailBlock(103, 0)
	res, err = New(l, s, testConfig()).Run(ctx, tree)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Len(t, rowsOf(t, s), 16)
}

func TestSkippedSlot(t *testing.T) {
	l := newLedger(t, 1)
	l.SkipSlot(200)
	res, err := New(l, newStore(t), testConfig()).BackfillSlots(context.Background(), tree, []uint64{101, 200})
	require.NoError(t, err)
	require.Equal(t, 2, res.Slots)
	require.Equal(t, 1, res.SlotsSkipped)
	require.Equal(t, int64(1), res.Events)
}

func TestCanceled(t *testing.T) {
	l := newLedger(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(l, newStore(t), testConfig()).Run(ctx, tree)
	require.ErrorIs(t, err, context.Canceled)
}
