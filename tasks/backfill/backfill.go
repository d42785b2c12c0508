// Package backfill fills the holes in a tree's stored change-log history by replaying
// the chain: find the missing sequence ranges, list the slots of the transactions in
// each range, fetch those blocks and upsert every change-log event they emitted.
package backfill

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/outcome"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
)

var log = logging.Logger("cmtidx/backfill")

type Config struct {
	SignaturePageSize int
	// TxParallelism bounds the transactions of one slot processed at once.
	TxParallelism int
	Retry         retry.Policy
	Programs      cmtevent.Programs
}

func DefaultConfig() Config {
	return Config{
		SignaturePageSize: DefaultSignaturePageSize,
		TxParallelism:     8,
		Retry:             retry.DefaultPolicy,
		Programs:          cmtevent.DefaultPrograms,
	}
}

type Backfiller struct {
	chain    solana.ChainClient
	store    changelog.Store
	detector *Detector
	decoder  *cmtevent.Decoder
	cfg      Config
}

func New(chain solana.ChainClient, store changelog.Store, cfg Config) *Backfiller {
	if cfg.TxParallelism <= 0 {
		cfg.TxParallelism = 1
	}
	if cfg.Programs == (cmtevent.Programs{}) {
		cfg.Programs = cmtevent.DefaultPrograms
	}
	return &Backfiller{
		chain:    chain,
		store:    store,
		detector: NewDetector(store),
		decoder:  cmtevent.NewDecoder(cfg.Programs),
		cfg:      cfg,
	}
}

// Result summarizes one backfill run.
type Result struct {
	Tree solana.PublicKey
	Live LiveState
	Gaps []changelog.GapInfo

	Slots        int
	SlotsSkipped int
	SlotsFailed  []uint64
	Transactions int64
	Events       int64
	Malformed    int64

	// Err aggregates the failures of individual slots; the run itself completed.
	Err error
}

// Run detects the gaps of tree against the live chain state and backfills them.
func (b *Backfiller) Run(ctx context.Context, tree solana.PublicKey) (*Result, error) {
	live, err := FetchLiveState(ctx, b.chain, tree, b.cfg.Retry)
	if err != nil {
		return nil, err
	}
	gaps, err := b.detector.Detect(ctx, tree, live)
	if err != nil {
		return nil, err
	}
	return b.BackfillGaps(ctx, tree, live, gaps)
}

// BackfillGaps processes gaps in order. Only fatal errors abort; a slot that keeps
// failing is recorded in the result and skipped.
func (b *Backfiller) BackfillGaps(ctx context.Context, tree solana.PublicKey, live LiveState, gaps []changelog.GapInfo) (*Result, error) {
	res := &Result{Tree: tree, Live: live, Gaps: gaps}
	if len(gaps) == 0 {
		log.Infow("tree is caught up", "tree", tree, "seq", live.Seq)
		return res, nil
	}

	for i, gap := range gaps {
		slots, err := b.gapSlots(ctx, tree, gap)
		if err != nil {
			return res, err
		}
		slots = withBoundarySlot(slots, gap, i == len(gaps)-1, live)

		log.Infow("backfilling gap", "tree", tree, "from", gap.PrevSeq, "to", gap.CurSeq, "missing", gap.Missing(), "slots", len(slots))
		stats.Record(ctx, Measures.Gaps.M(1))

		if err := b.backfillSlots(ctx, tree, slots, res); err != nil {
			return res, err
		}
	}

	log.Infow("backfill done", "tree", tree, "gaps", len(gaps), "slots", res.Slots, "failed", len(res.SlotsFailed),
		"txs", res.Transactions, "events", res.Events, "malformed", res.Malformed)
	return res, nil
}

// BackfillSlots indexes the given slots, ascending, outside of any gap bookkeeping.
func (b *Backfiller) BackfillSlots(ctx context.Context, tree solana.PublicKey, slots []uint64) (*Result, error) {
	res := &Result{Tree: tree}
	return res, b.backfillSlots(ctx, tree, slots, res)
}

func (b *Backfiller) backfillSlots(ctx context.Context, tree solana.PublicKey, slots []uint64, res *Result) error {
	var errs *multierror.Error
	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Slots++
		start := time.Now()
		err := b.processSlot(ctx, tree, slot, res)
		Measures.SlotDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			stats.Record(ctx, Measures.Slots.M(1))
			continue
		}
		if outcome.IsFatal(err) {
			return xerrors.Errorf("slot %d: %w", slot, err)
		}
		log.Errorw("slot failed, skipping", "tree", tree, "slot", slot, "error", err)
		stats.Record(ctx, Measures.SlotFailures.M(1))
		res.SlotsFailed = append(res.SlotsFailed, slot)
		errs = multierror.Append(errs, xerrors.Errorf("slot %d: %w", slot, err))
	}
	if errs != nil {
		res.Err = multierror.Append(res.Err, errs.Errors...).ErrorOrNil()
	}
	return nil
}

func (b *Backfiller) processSlot(ctx context.Context, tree solana.PublicKey, slot uint64, res *Result) error {
	block, err := retry.Do(ctx, b.cfg.Retry, "getBlock", func(ctx context.Context) (*solana.Block, error) {
		return b.chain.GetBlock(ctx, slot)
	})
	if err != nil {
		return err
	}
	if block == nil {
		log.Debugw("slot was skipped", "slot", slot)
		res.SlotsSkipped++
		return nil
	}

	var txs []*solana.TransactionWithMeta
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if tx.Succeeded() && tx.References(tree, b.cfg.Programs.Compression, b.cfg.Programs.Noop) {
			txs = append(txs, tx)
		}
	}
	if len(txs) == 0 {
		return nil
	}

	var counts txCounts
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.TxParallelism)
	for _, tx := range txs {
		g.Go(func() error {
			return b.processTx(gctx, tree, slot, tx, &counts)
		})
	}
	err = g.Wait()

	res.Transactions += int64(len(txs))
	res.Events += counts.events.Load()
	res.Malformed += counts.malformed.Load()
	return err
}

type txCounts struct {
	events    atomic.Int64
	malformed atomic.Int64
}

// processTx decodes the instructions of one transaction in order and stores the events
// for tree. A malformed instruction drops the rest of the transaction.
func (b *Backfiller) processTx(ctx context.Context, tree solana.PublicKey, slot uint64, tx *solana.TransactionWithMeta, counts *txCounts) error {
	sig := tx.Signature()
	keys := tx.AccountKeys()

	// repeated groups for one index are merged, so the decoder sees every inner call
	inner := map[uint16][]solana.CompiledInstruction{}
	if tx.Meta != nil {
		for _, group := range tx.Meta.InnerInstructions {
			inner[group.Index] = append(inner[group.Index], group.Instructions...)
		}
	}

	for i, ci := range tx.Transaction.Message.Instructions {
		ix, err := solana.Resolve(keys, ci)
		if err != nil {
			return b.malformed(counts, tree, slot, sig, i, err)
		}
		innerIxs := make([]solana.Instruction, 0, len(inner[uint16(i)]))
		for _, ici := range inner[uint16(i)] {
			in, err := solana.Resolve(keys, ici)
			if err != nil {
				return b.malformed(counts, tree, slot, sig, i, err)
			}
			innerIxs = append(innerIxs, in)
		}

		r := b.decoder.Decode(ix, innerIxs)
		switch r.Status {
		case cmtevent.Ignored:
			continue
		case cmtevent.Malformed:
			return b.malformed(counts, tree, slot, sig, i, r.Err)
		}

		ev := r.Event
		if ev.TreeID != tree {
			continue
		}
		ev.Slot, ev.TxID = slot, sig
		err = retry.Run(ctx, b.cfg.Retry, "upsertChangeLog", func(ctx context.Context) error {
			return b.store.UpsertChangeLog(ctx, ev)
		})
		if err != nil {
			return xerrors.Errorf("storing seq %d from %s: %w", ev.Seq, sig, err)
		}
		counts.events.Add(1)
		stats.Record(ctx, Measures.Events.M(1))
	}
	return nil
}

func (b *Backfiller) malformed(counts *txCounts, tree solana.PublicKey, slot uint64, sig string, ix int, err error) error {
	log.Warnw("malformed instruction, dropping rest of transaction", "tree", tree, "slot", slot, "tx", sig, "instruction", ix, "error", err)
	counts.malformed.Add(1)
	stats.Record(context.Background(), Measures.Malformed.M(1))
	return nil
}
