package cmt

import (
	"math/bits"

	"golang.org/x/xerrors"
)

const RootIndex uint32 = 1

func CheckDepth(maxDepth uint32) error {
	if maxDepth == 0 || maxDepth > MaxSupportedDepth {
		return xerrors.Errorf("max depth %d out of range [1, %d]", maxDepth, MaxSupportedDepth)
	}
	return nil
}

// LeafNodeIndex is the node number of leaf leafIndex.
func LeafNodeIndex(maxDepth, leafIndex uint32) uint32 {
	return (1 << maxDepth) + leafIndex
}

// PathNodeIndex is the node number at level of the path from leaf leafIndex to the root.
func PathNodeIndex(maxDepth, leafIndex, level uint32) uint32 {
	return (1 << (maxDepth - level)) + (leafIndex >> level)
}

// NodeLevel returns the level of a node number, or false if the number is not part of
// a tree of depth maxDepth.
func NodeLevel(maxDepth, nodeIndex uint32) (uint32, bool) {
	if nodeIndex == 0 {
		return 0, false
	}
	height := uint32(bits.Len32(nodeIndex) - 1)
	if height > maxDepth {
		return 0, false
	}
	return maxDepth - height, true
}

func Sibling(nodeIndex uint32) uint32 {
	return nodeIndex ^ 1
}

func Parent(nodeIndex uint32) uint32 {
	return nodeIndex >> 1
}

// ProofNodeIndices lists the siblings needed to walk from leaf leafIndex to the root,
// leaf level first.
func ProofNodeIndices(maxDepth, leafIndex uint32) []uint32 {
	out := make([]uint32, 0, maxDepth)
	idx := LeafNodeIndex(maxDepth, leafIndex)
	for lvl := uint32(0); lvl < maxDepth; lvl++ {
		out = append(out, Sibling(idx))
		idx = Parent(idx)
	}
	return out
}

// RootFromProof recomputes the root from a leaf and its sibling proof (leaf level first).
func RootFromProof(leaf Node, leafIndex uint32, proof []Node) Node {
	node := leaf
	for lvl, sib := range proof {
		if (leafIndex>>uint(lvl))&1 == 0 {
			node = Hash(node, sib)
		} else {
			node = Hash(sib, node)
		}
	}
	return node
}
