package cmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyNodes(t *testing.T) {
	require.Equal(t, Empty, EmptyNode(0))
	// keccak256(0x00 * 64)
	require.Equal(t, "ad3228b676f7d3cd4284a5443f17f1962b36e491b30a40b2405849e597ba5fb5", EmptyNode(1).Hex())
	for lvl := uint32(1); lvl <= MaxSupportedDepth; lvl++ {
		require.Equal(t, Hash(EmptyNode(lvl-1), EmptyNode(lvl-1)), EmptyNode(lvl))
	}
	require.Panics(t, func() { EmptyNode(MaxSupportedDepth + 1) })
}

func TestNodeIndexing(t *testing.T) {
	const depth = 3

	require.Equal(t, uint32(8), LeafNodeIndex(depth, 0))
	require.Equal(t, uint32(15), LeafNodeIndex(depth, 7))

	// path of leaf 5: 13 -> 6 -> 3 -> 1
	for lvl, want := range []uint32{13, 6, 3, 1} {
		require.Equal(t, want, PathNodeIndex(depth, 5, uint32(lvl)))
	}

	lvl, ok := NodeLevel(depth, 1)
	require.True(t, ok)
	require.Equal(t, uint32(3), lvl)
	lvl, ok = NodeLevel(depth, 12)
	require.True(t, ok)
	require.Equal(t, uint32(0), lvl)
	_, ok = NodeLevel(depth, 16)
	require.False(t, ok)
	_, ok = NodeLevel(depth, 0)
	require.False(t, ok)

	require.Equal(t, []uint32{12, 7, 2}, ProofNodeIndices(depth, 5))
}

func TestNodeFromBytes(t *testing.T) {
	_, err := NodeFromBytes(make([]byte, 31))
	require.Error(t, err)

	b := make([]byte, 32)
	b[0] = 7
	n, err := NodeFromBytes(b)
	require.NoError(t, err)
	require.Equal(t, byte(7), n[0])
	require.False(t, n.IsEmpty())
}
