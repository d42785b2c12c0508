// Package cmt holds the primitives of an on-chain concurrent Merkle tree that an
// indexer needs off-chain: the node hash, the canonical empty-subtree constants, the
// heap-style node numbering used by change-log events, and the account layout.
//
// Node numbering follows the events emitted by the tree program. The root is node 1,
// the children of node n are 2n and 2n+1, and leaf i of a tree of depth d is node
// 2^d + i. A node at numbering index n lives at level d - floor(log2(n)), leaves
// being level 0 and the root level d.
package cmt

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/xerrors"
)

const (
	NodeSize = 32

	// MaxSupportedDepth is the deepest tree the program allows.
	MaxSupportedDepth = 30
)

// Node is a 32-byte tree node (leaf or internal hash).
type Node [NodeSize]byte

// Empty is the value of a never-written leaf.
var Empty Node

func (n Node) String() string {
	return base58.Encode(n[:])
}

func (n Node) Hex() string {
	return hex.EncodeToString(n[:])
}

func (n Node) IsEmpty() bool {
	return n == Empty
}

func NodeFromBytes(b []byte) (Node, error) {
	var n Node
	if len(b) != NodeSize {
		return n, xerrors.Errorf("node must be %d bytes, got %d", NodeSize, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Hash combines two children into their parent: keccak256(left || right).
func Hash(left, right Node) Node {
	var out Node
	copy(out[:], crypto.Keccak256(left[:], right[:]))
	return out
}

var emptyNodes = func() [MaxSupportedDepth + 1]Node {
	var e [MaxSupportedDepth + 1]Node
	for lvl := 1; lvl <= MaxSupportedDepth; lvl++ {
		e[lvl] = Hash(e[lvl-1], e[lvl-1])
	}
	return e
}()

// EmptyNode returns the root of an all-empty subtree whose root sits at level.
func EmptyNode(level uint32) Node {
	if level > MaxSupportedDepth {
		panic(xerrors.Errorf("level %d exceeds max depth %d", level, MaxSupportedDepth))
	}
	return emptyNodes[level]
}

// EmptyRoot is the root of a freshly initialized tree.
func EmptyRoot(maxDepth uint32) Node {
	return EmptyNode(maxDepth)
}
