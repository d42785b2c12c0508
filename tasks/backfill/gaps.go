package backfill

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
)

// LiveState is what the chain currently says about a tree.
type LiveState struct {
	Seq          uint64
	CreationSlot uint64
	// LatestSlot and LatestTxID belong to the newest transaction touching the tree.
	LatestSlot uint64
	LatestTxID string
}

// FetchLiveState reads the tree account, then the newest signature. In that order the
// signature is at least as new as the sequence number.
func FetchLiveState(ctx context.Context, chain solana.ChainClient, tree solana.PublicKey, p retry.Policy) (LiveState, error) {
	var live LiveState
	var err error

	live.Seq, err = retry.Do(ctx, p, "getCurrentOnChainSequence", func(ctx context.Context) (uint64, error) {
		return chain.GetCurrentOnChainSequence(ctx, tree)
	})
	if err != nil {
		return live, xerrors.Errorf("reading on-chain sequence: %w", err)
	}
	live.CreationSlot, err = retry.Do(ctx, p, "getTreeCreationSlot", func(ctx context.Context) (uint64, error) {
		return chain.GetTreeCreationSlot(ctx, tree)
	})
	if err != nil {
		return live, xerrors.Errorf("reading creation slot: %w", err)
	}

	sigs, err := retry.Do(ctx, p, "getSignaturesForAddress", func(ctx context.Context) ([]solana.SignatureInfo, error) {
		return chain.GetSignaturesForAddress(ctx, tree, solana.SignaturesOpts{Limit: 1})
	})
	if err != nil {
		return live, xerrors.Errorf("reading newest signature: %w", err)
	}
	if len(sigs) > 0 {
		live.LatestSlot, live.LatestTxID = sigs[0].Slot, sigs[0].Signature
	} else {
		live.LatestSlot = live.CreationSlot
	}
	return live, nil
}

// FullHistory is the gap covering every transaction since the tree was created. Its
// upper bound lies past the on-chain sequence, so no before-signature limits the scan.
func FullHistory(live LiveState) changelog.GapInfo {
	return changelog.GapInfo{
		PrevSeq:  0,
		PrevSlot: live.CreationSlot,
		CurSeq:   live.Seq + 1,
		CurSlot:  live.LatestSlot,
	}
}

type Detector struct {
	store changelog.Store
}

func NewDetector(store changelog.Store) *Detector {
	return &Detector{store: store}
}

// Detect lists the sequence ranges missing from the store, oldest first. An empty list
// means the store is caught up with live.
func (d *Detector) Detect(ctx context.Context, tree solana.PublicKey, live LiveState) ([]changelog.GapInfo, error) {
	has, err := d.store.HasTree(ctx, tree)
	if err != nil {
		return nil, xerrors.Errorf("checking store for %s: %w", tree, err)
	}
	if !has {
		if live.Seq == 0 {
			return nil, nil
		}
		return []changelog.GapInfo{FullHistory(live)}, nil
	}

	gaps, err := d.store.MissingSequenceRange(ctx, tree, 0)
	if err != nil {
		return nil, xerrors.Errorf("finding gaps of %s: %w", tree, err)
	}

	first, err := d.store.EarliestTreeInfo(ctx, tree)
	if err != nil {
		return nil, xerrors.Errorf("reading earliest seq of %s: %w", tree, err)
	}
	if first.Seq > 1 {
		lead := changelog.GapInfo{
			PrevSeq:  0,
			PrevSlot: live.CreationSlot,
			CurSeq:   first.Seq,
			CurSlot:  first.Slot,
			CurTxID:  first.TxID,
		}
		gaps = append([]changelog.GapInfo{lead}, gaps...)
	}

	last, err := d.store.LatestTreeInfo(ctx, tree)
	if err != nil {
		return nil, xerrors.Errorf("reading latest seq of %s: %w", tree, err)
	}
	switch {
	case last.Seq < live.Seq:
		gaps = append(gaps, changelog.GapInfo{
			PrevSeq:  last.Seq,
			PrevSlot: last.Slot,
			PrevTxID: last.TxID,
			CurSeq:   live.Seq,
			CurSlot:  live.LatestSlot,
			CurTxID:  live.LatestTxID,
		})
	case last.Seq > live.Seq:
		log.Warnw("store is ahead of the chain, rpc node may be lagging", "tree", tree, "stored", last.Seq, "onchain", live.Seq)
	}
	return gaps, nil
}
