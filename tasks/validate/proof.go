package validate

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/solana"
)

type Proof struct {
	LeafIndex uint32
	Leaf      cmt.Node
	// Siblings run from the leaf level up.
	Siblings []cmt.Node
	Root     cmt.Node
}

// ProofForLeaf assembles the inclusion proof of leafIndex as of maxSeq from stored rows.
// Root is recomputed from the proof, so comparing it with an on-chain root checks both.
func (v *Validator) ProofForLeaf(ctx context.Context, tree solana.PublicKey, maxDepth, leafIndex uint32, maxSeq uint64) (*Proof, error) {
	if err := cmt.CheckDepth(maxDepth); err != nil {
		return nil, err
	}
	if uint64(leafIndex) >= 1<<maxDepth {
		return nil, xerrors.Errorf("leaf %d out of range for depth %d", leafIndex, maxDepth)
	}

	sibs := cmt.ProofNodeIndices(maxDepth, leafIndex)
	leafNode := cmt.LeafNodeIndex(maxDepth, leafIndex)
	rows, err := v.store.RowsForNodes(ctx, tree, append([]uint32{leafNode}, sibs...), &maxSeq)
	if err != nil {
		return nil, xerrors.Errorf("loading proof nodes: %w", err)
	}
	byIdx := make(map[uint32]cmt.Node, len(rows))
	for _, r := range rows {
		byIdx[r.NodeIndex] = r.Hash
	}

	p := &Proof{LeafIndex: leafIndex, Leaf: cmt.EmptyNode(0), Siblings: make([]cmt.Node, maxDepth)}
	if n, ok := byIdx[leafNode]; ok {
		p.Leaf = n
	}
	for lvl, idx := range sibs {
		if n, ok := byIdx[idx]; ok {
			p.Siblings[lvl] = n
		} else {
			p.Siblings[lvl] = cmt.EmptyNode(uint32(lvl))
		}
	}
	p.Root = cmt.RootFromProof(p.Leaf, leafIndex, p.Siblings)
	return p, nil
}
