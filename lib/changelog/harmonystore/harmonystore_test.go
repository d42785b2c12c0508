package harmonystore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/solana"
)

func TestToRow(t *testing.T) {
	tree := solana.PublicKey{3}
	hash := cmt.EmptyNode(2)

	r, err := dbRow{TreeID: tree.String(), TransactionID: "sig", Slot: 7, NodeIdx: 5, Seq: 9, Level: 1, Hash: hash[:]}.toRow()
	require.NoError(t, err)
	require.Equal(t, changelog.MerkleRow{TreeID: tree, Seq: 9, NodeIndex: 5, Level: 1, Hash: hash, Slot: 7, TxID: "sig"}, r)

	_, err = dbRow{TreeID: "not base58 0OIl", Hash: hash[:]}.toRow()
	require.ErrorIs(t, err, changelog.ErrDataCorruption)

	_, err = dbRow{TreeID: tree.String(), Hash: hash[:5]}.toRow()
	require.ErrorIs(t, err, changelog.ErrDataCorruption)

	_, err = dbRow{TreeID: tree.String(), Hash: hash[:], NodeIdx: -1}.toRow()
	require.ErrorIs(t, err, changelog.ErrDataCorruption)
}

func TestSeqBound(t *testing.T) {
	require.Equal(t, int64(math.MaxInt64), seqBound(nil))
	v := uint64(12)
	require.Equal(t, int64(12), seqBound(&v))
	v = math.MaxUint64
	require.Equal(t, int64(math.MaxInt64), seqBound(&v))
}
