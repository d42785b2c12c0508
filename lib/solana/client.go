// Package solana is the chain boundary of the indexer: the read-only client calls it
// needs, their JSON-RPC implementation and a block cache.
package solana

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/outcome"
)

var ErrAccountNotFound = xerrors.New("account not found")

// ChainClient is everything the indexer consumes from the chain.
type ChainClient interface {
	// GetSignaturesForAddress returns signatures newest first.
	GetSignaturesForAddress(ctx context.Context, addr PublicKey, opts SignaturesOpts) ([]SignatureInfo, error)
	// GetBlock returns (nil, nil) for slots that were skipped by the leader.
	GetBlock(ctx context.Context, slot uint64) (*Block, error)

	GetCurrentOnChainSequence(ctx context.Context, tree PublicKey) (uint64, error)
	GetTreeCreationSlot(ctx context.Context, tree PublicKey) (uint64, error)
	GetTreeMaxDepth(ctx context.Context, tree PublicKey) (uint32, error)
	GetOnChainRoot(ctx context.Context, tree PublicKey, atSeq uint64) (cmt.Node, error)
}

// AccountFetcher returns raw account data, ErrAccountNotFound if the account does not exist.
type AccountFetcher interface {
	GetAccountData(ctx context.Context, addr PublicKey) ([]byte, error)
}

// TreeReader implements the tree-state half of ChainClient on top of raw account reads.
type TreeReader struct {
	Accounts AccountFetcher
}

func (r TreeReader) TreeAccount(ctx context.Context, tree PublicKey) (*cmt.TreeAccount, error) {
	data, err := r.Accounts.GetAccountData(ctx, tree)
	if err != nil {
		return nil, xerrors.Errorf("fetching tree account %s: %w", tree, err)
	}
	acct, err := cmt.ParseTreeAccount(data)
	if err != nil {
		return nil, outcome.Wrap(outcome.Fatal, xerrors.Errorf("tree account %s: %w", tree, err))
	}
	return acct, nil
}

func (r TreeReader) GetCurrentOnChainSequence(ctx context.Context, tree PublicKey) (uint64, error) {
	acct, err := r.TreeAccount(ctx, tree)
	if err != nil {
		return 0, err
	}
	return acct.SequenceNumber, nil
}

func (r TreeReader) GetTreeCreationSlot(ctx context.Context, tree PublicKey) (uint64, error) {
	acct, err := r.TreeAccount(ctx, tree)
	if err != nil {
		return 0, err
	}
	return acct.Header.CreationSlot, nil
}

func (r TreeReader) GetTreeMaxDepth(ctx context.Context, tree PublicKey) (uint32, error) {
	acct, err := r.TreeAccount(ctx, tree)
	if err != nil {
		return 0, err
	}
	return acct.Header.MaxDepth, nil
}

func (r TreeReader) GetOnChainRoot(ctx context.Context, tree PublicKey, atSeq uint64) (cmt.Node, error) {
	acct, err := r.TreeAccount(ctx, tree)
	if err != nil {
		return cmt.Node{}, err
	}
	root, err := acct.RootAt(atSeq)
	if xerrors.Is(err, cmt.ErrRootUnavailable) {
		// asking again returns the same answer
		return root, outcome.Skipf("root of %s at seq %d: %w", tree, atSeq, err)
	}
	return root, err
}
