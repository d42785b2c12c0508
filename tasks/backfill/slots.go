package backfill

import (
	"context"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
)

const DefaultSignaturePageSize = 1000

// gapSlots pages through the tree's signatures between the gap bounds (both exclusive)
// and returns the distinct slots they landed in, ascending. Failed transactions still
// contribute their slot; the block filter drops them later.
func (b *Backfiller) gapSlots(ctx context.Context, tree solana.PublicKey, gap changelog.GapInfo) ([]uint64, error) {
	limit := b.cfg.SignaturePageSize
	if limit <= 0 || limit > DefaultSignaturePageSize {
		limit = DefaultSignaturePageSize
	}

	var slots []uint64
	before := gap.CurTxID
	for page := 0; ; page++ {
		opts := solana.SignaturesOpts{Before: before, Until: gap.PrevTxID, Limit: limit}
		sigs, err := retry.Do(ctx, b.cfg.Retry, "getSignaturesForAddress", func(ctx context.Context) ([]solana.SignatureInfo, error) {
			return b.chain.GetSignaturesForAddress(ctx, tree, opts)
		})
		if err != nil {
			return nil, xerrors.Errorf("listing signatures of %s before %q (page %d): %w", tree, before, page, err)
		}
		for _, s := range sigs {
			slots = append(slots, s.Slot)
		}
		log.Debugw("signature page", "tree", tree, "page", page, "sigs", len(sigs), "before", before)
		if len(sigs) < limit {
			break
		}
		before = sigs[len(sigs)-1].Signature
	}

	// newest first from the RPC; one slot may hold several transactions
	return lo.Uniq(lo.Reverse(slots)), nil
}

// withBoundarySlot applies the boundary rule of the final gap: its CurTxID is an
// exclusive bound, so the slot of the newest transaction is added unless the gap reaches
// past the on-chain sequence. A cold-start gap (CurSeq = Seq+1) pages without a before
// bound and already covers that transaction.
func withBoundarySlot(slots []uint64, gap changelog.GapInfo, final bool, live LiveState) []uint64 {
	if !final || gap.CurSeq > live.Seq {
		return slots
	}
	if n := len(slots); n > 0 && slots[n-1] >= live.LatestSlot {
		return slots
	}
	return append(slots, live.LatestSlot)
}
