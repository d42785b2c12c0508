package cmt

import (
	"golang.org/x/xerrors"
)

var ErrTreeFull = xerrors.New("tree is full")

// PathNode is one entry of a change-log path: a node value and its node number.
type PathNode struct {
	Node  Node
	Index uint32
}

// ChangeLog is the state change produced by one tree mutation.
type ChangeLog struct {
	Seq   uint64
	Index uint32
	Root  Node
	// Path holds the new node values from the leaf (level 0) up to, not including, the root.
	Path []Node
}

// EventPath expands the change log into the path carried by change-log events:
// maxDepth+1 entries from the leaf up to the root (node 1).
func (c ChangeLog) EventPath() []PathNode {
	depth := uint32(len(c.Path))
	out := make([]PathNode, 0, depth+1)
	for lvl, n := range c.Path {
		out = append(out, PathNode{Node: n, Index: PathNodeIndex(depth, c.Index, uint32(lvl))})
	}
	return append(out, PathNode{Node: c.Root, Index: RootIndex})
}

// ReferenceTree is a plain, fully materialized Merkle tree with the same hashing and
// numbering as the on-chain tree. Nodes are kept sparsely so deep trees stay cheap.
type ReferenceTree struct {
	depth uint32
	nodes map[uint32]Node
	seq   uint64
	// next is the leaf index the next Append writes to
	next uint64
}

func NewReferenceTree(maxDepth uint32) (*ReferenceTree, error) {
	if err := CheckDepth(maxDepth); err != nil {
		return nil, err
	}
	return &ReferenceTree{depth: maxDepth, nodes: map[uint32]Node{}}, nil
}

func (t *ReferenceTree) Depth() uint32 { return t.depth }

func (t *ReferenceTree) Seq() uint64 { return t.seq }

func (t *ReferenceTree) Capacity() uint64 { return 1 << t.depth }

// NextIndex is the leaf index the next Append writes to.
func (t *ReferenceTree) NextIndex() uint64 { return t.next }

func (t *ReferenceTree) node(idx uint32) Node {
	if n, ok := t.nodes[idx]; ok {
		return n
	}
	lvl, _ := NodeLevel(t.depth, idx)
	return EmptyNode(lvl)
}

func (t *ReferenceTree) Root() Node {
	return t.node(RootIndex)
}

func (t *ReferenceTree) Leaf(leafIndex uint32) Node {
	return t.node(LeafNodeIndex(t.depth, leafIndex))
}

// Proof returns the sibling nodes of leafIndex, leaf level first.
func (t *ReferenceTree) Proof(leafIndex uint32) []Node {
	idxs := ProofNodeIndices(t.depth, leafIndex)
	out := make([]Node, len(idxs))
	for i, idx := range idxs {
		out[i] = t.node(idx)
	}
	return out
}

// SetLeaf writes leaf at leafIndex, rehashes the path to the root and bumps the sequence
// number, returning the resulting change log.
func (t *ReferenceTree) SetLeaf(leafIndex uint32, leaf Node) (ChangeLog, error) {
	if uint64(leafIndex) >= t.Capacity() {
		return ChangeLog{}, xerrors.Errorf("leaf index %d out of range for depth %d", leafIndex, t.depth)
	}

	path := make([]Node, t.depth)
	idx := LeafNodeIndex(t.depth, leafIndex)
	cur := leaf
	for lvl := uint32(0); lvl < t.depth; lvl++ {
		t.nodes[idx] = cur
		path[lvl] = cur
		if idx&1 == 0 {
			cur = Hash(cur, t.node(Sibling(idx)))
		} else {
			cur = Hash(t.node(Sibling(idx)), cur)
		}
		idx = Parent(idx)
	}
	t.nodes[RootIndex] = cur

	if uint64(leafIndex) >= t.next {
		t.next = uint64(leafIndex) + 1
	}
	t.seq++

	return ChangeLog{Seq: t.seq, Index: leafIndex, Root: cur, Path: path}, nil
}

// Append writes leaf at the first index after the rightmost written leaf.
func (t *ReferenceTree) Append(leaf Node) (ChangeLog, error) {
	if t.next >= t.Capacity() {
		return ChangeLog{}, ErrTreeFull
	}
	return t.SetLeaf(uint32(t.next), leaf)
}

// InitialChangeLog is the change log of an empty tree (sequence number 0).
func (t *ReferenceTree) InitialChangeLog() ChangeLog {
	path := make([]Node, t.depth)
	for lvl := range path {
		path[lvl] = EmptyNode(uint32(lvl))
	}
	return ChangeLog{Seq: 0, Index: 0, Root: EmptyRoot(t.depth), Path: path}
}
