package solana

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingChain struct {
	ChainClient
	calls map[uint64]int
}

func (c *countingChain) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	c.calls[slot]++
	if slot%2 == 0 {
		return nil, nil
	}
	return &Block{Slot: slot}, nil
}

func TestCachingClient(t *testing.T) {
	inner := &countingChain{calls: map[uint64]int{}}
	c, err := NewCachingClient(inner, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		blk, err := c.GetBlock(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(1), blk.Slot)

		blk, err = c.GetBlock(ctx, 2)
		require.NoError(t, err)
		require.Nil(t, blk)
	}
	require.Equal(t, 1, inner.calls[1])
	require.Equal(t, 1, inner.calls[2])

	// evicts slot 1
	_, err = c.GetBlock(ctx, 3)
	require.NoError(t, err)
	_, err = c.GetBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls[1])
}
