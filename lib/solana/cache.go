package solana

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/xerrors"
)

// CachingClient keeps recently fetched blocks so repeated backfill passes over the same
// slots do not hit the node again. Absent (skipped) slots are cached too.
type CachingClient struct {
	ChainClient

	blocks *lru.Cache[uint64, *Block]
}

func NewCachingClient(inner ChainClient, size int) (*CachingClient, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[uint64, *Block](size)
	if err != nil {
		return nil, xerrors.Errorf("creating block cache: %w", err)
	}
	return &CachingClient{ChainClient: inner, blocks: c}, nil
}

func (c *CachingClient) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	if blk, ok := c.blocks.Get(slot); ok {
		return blk, nil
	}
	blk, err := c.ChainClient.GetBlock(ctx, slot)
	if err != nil {
		return nil, err
	}
	c.blocks.Add(slot, blk)
	return blk, nil
}
