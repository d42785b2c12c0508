// Package validate rebuilds a tree root from stored rows and checks it against the chain.
package validate

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
)

var log = logging.Logger("cmtidx/validate")

type Report struct {
	Tree     solana.PublicKey
	MaxDepth uint32
	Seq      uint64

	Valid        bool
	ComputedRoot cmt.Node
	OnChainRoot  cmt.Node

	Rows   int
	Leaves int
	// StaleNodes counts stored internal nodes that disagree with the value recomputed
	// from the leaves. Only leaves feed the root, so these do not affect Valid.
	StaleNodes int
}

type Validator struct {
	store changelog.Store
	chain solana.ChainClient
	retry retry.Policy
}

func New(store changelog.Store, chain solana.ChainClient, p retry.Policy) *Validator {
	return &Validator{store: store, chain: chain, retry: p}
}

// Validate recomputes the root of tree as of maxSeq and compares it with the root the
// chain recorded for that sequence number.
func (v *Validator) Validate(ctx context.Context, tree solana.PublicKey, maxDepth uint32, maxSeq uint64) (*Report, error) {
	if err := cmt.CheckDepth(maxDepth); err != nil {
		return nil, err
	}
	rows, err := v.store.LatestTreeRows(ctx, tree, &maxSeq)
	if err != nil {
		return nil, xerrors.Errorf("loading rows: %w", err)
	}

	st, err := Compute(maxDepth, rows)
	if err != nil {
		return nil, xerrors.Errorf("tree %s at seq %d: %w", tree, maxSeq, err)
	}

	onchain, err := retry.Do(ctx, v.retry, "getOnChainRoot", func(ctx context.Context) (cmt.Node, error) {
		return v.chain.GetOnChainRoot(ctx, tree, maxSeq)
	})
	if err != nil {
		return nil, xerrors.Errorf("reading on-chain root at seq %d: %w", maxSeq, err)
	}

	rep := &Report{
		Tree:         tree,
		MaxDepth:     maxDepth,
		Seq:          maxSeq,
		Valid:        st.Root == onchain,
		ComputedRoot: st.Root,
		OnChainRoot:  onchain,
		Rows:         len(rows),
		Leaves:       st.Leaves,
		StaleNodes:   st.Stale,
	}

	result := "valid"
	if !rep.Valid {
		result = "invalid"
		log.Warnw("root mismatch", "tree", tree, "seq", maxSeq, "computed", rep.ComputedRoot, "onchain", rep.OnChainRoot, "stale", rep.StaleNodes)
	} else {
		log.Infow("tree valid", "tree", tree, "seq", maxSeq, "root", rep.OnChainRoot, "leaves", rep.Leaves)
	}
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(resultKey, result)}, Measures.Runs.M(1))
	if rep.StaleNodes > 0 {
		stats.Record(ctx, Measures.StaleNodes.M(int64(rep.StaleNodes)))
	}
	return rep, nil
}

// State is the outcome of recomputing a tree from its latest rows.
type State struct {
	Root   cmt.Node
	Leaves int
	Stale  int
}

// Compute hashes the level-0 rows up to the root, filling absent siblings with the empty
// node of their level. Internal rows are only compared against the result.
func Compute(maxDepth uint32, rows []changelog.TreeRow) (State, error) {
	if err := cmt.CheckDepth(maxDepth); err != nil {
		return State{}, err
	}

	level := map[uint32]cmt.Node{}
	for _, r := range rows {
		if err := changelog.CheckRow(r, maxDepth); err != nil {
			return State{}, err
		}
		if r.Level == 0 {
			level[r.NodeIndex] = r.Hash
		}
	}
	st := State{Leaves: len(level)}

	computed := map[uint32]cmt.Node{}
	for lvl := uint32(0); lvl < maxDepth; lvl++ {
		next := make(map[uint32]cmt.Node, (len(level)+1)/2)
		for idx := range level {
			parent := cmt.Parent(idx)
			if _, done := next[parent]; done {
				continue
			}
			left, right := idx&^1, idx|1
			l, ok := level[left]
			if !ok {
				l = cmt.EmptyNode(lvl)
			}
			r, ok := level[right]
			if !ok {
				r = cmt.EmptyNode(lvl)
			}
			next[parent] = cmt.Hash(l, r)
		}
		for idx, n := range next {
			computed[idx] = n
		}
		level = next
	}

	st.Root = cmt.EmptyRoot(maxDepth)
	if root, ok := level[cmt.RootIndex]; ok {
		st.Root = root
	}

	for _, r := range rows {
		if r.Level == 0 {
			continue
		}
		want, ok := computed[r.NodeIndex]
		if !ok {
			want = cmt.EmptyNode(r.Level)
		}
		if want != r.Hash {
			st.Stale++
		}
	}
	return st, nil
}

// ComputeRoot is Compute for callers that only need the root.
func ComputeRoot(maxDepth uint32, rows []changelog.TreeRow) (cmt.Node, error) {
	st, err := Compute(maxDepth, rows)
	return st.Root, err
}
