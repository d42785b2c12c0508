package cmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildAccount replays changes into an account with the given ring size.
func buildAccount(t *testing.T, depth, bufSize uint32, appends int) (*TreeAccount, []Node) {
	t.Helper()
	tree, err := NewReferenceTree(depth)
	require.NoError(t, err)

	acct, err := NewTreeAccount(Header{MaxBufferSize: bufSize, MaxDepth: depth, CreationSlot: 77})
	require.NoError(t, err)
	roots := []Node{tree.Root()}

	for i := 0; i < appends; i++ {
		cl, err := tree.Append(Node{byte(i + 1)})
		require.NoError(t, err)
		acct.Push(cl)
		roots = append(roots, cl.Root)
	}
	acct.Canopy = []byte{9, 9}
	return acct, roots
}

func TestNewTreeAccount(t *testing.T) {
	acct, err := NewTreeAccount(Header{MaxBufferSize: 8, MaxDepth: 5})
	require.NoError(t, err)
	require.True(t, acct.Initialized())
	root, err := acct.CurrentRoot()
	require.NoError(t, err)
	require.Equal(t, EmptyRoot(5), root)

	_, err = NewTreeAccount(Header{MaxBufferSize: 6, MaxDepth: 5})
	require.Error(t, err)
	_, err = NewTreeAccount(Header{MaxBufferSize: 8, MaxDepth: 0})
	require.Error(t, err)
}

func TestTreeAccountRoundTripAndRootWindow(t *testing.T) {
	acct, roots := buildAccount(t, 3, 4, 6)

	data, err := acct.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, HeaderSizeV1+TreeBodySize(3, 4)+2)

	parsed, err := ParseTreeAccount(data)
	require.NoError(t, err)
	require.Equal(t, uint32(3), parsed.Header.MaxDepth)
	require.Equal(t, uint64(77), parsed.Header.CreationSlot)
	require.Equal(t, uint64(6), parsed.SequenceNumber)
	require.Equal(t, []byte{9, 9}, parsed.Canopy)

	cur, err := parsed.CurrentRoot()
	require.NoError(t, err)
	require.Equal(t, roots[6], cur)

	// the ring holds the last 4 roots: seqs 3..6
	for seq := uint64(3); seq <= 6; seq++ {
		root, err := parsed.RootAt(seq)
		require.NoError(t, err)
		require.Equal(t, roots[seq], root, "seq %d", seq)
	}
	_, err = parsed.RootAt(2)
	require.ErrorIs(t, err, ErrRootUnavailable)
	_, err = parsed.RootAt(7)
	require.ErrorIs(t, err, ErrRootUnavailable)
}

func TestParseTreeAccountRejectsGarbage(t *testing.T) {
	_, err := ParseTreeAccount(nil)
	require.Error(t, err)

	_, err = ParseTreeAccount([]byte{0, 0})
	require.ErrorIs(t, err, ErrNotTreeAccount)

	acct, _ := buildAccount(t, 2, 2, 1)
	data, err := acct.MarshalBinary()
	require.NoError(t, err)
	_, err = ParseTreeAccount(data[:HeaderSizeV1+10])
	require.Error(t, err)
}
