package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	erpc "github.com/ethereum/go-ethereum/rpc"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/outcome"
)

var log = logging.Logger("cmtidx/solana")

// JSON-RPC error codes returned for slots that will never have a block.
const (
	codeSlotSkipped            = -32007
	codeLongTermStorageSkipped = -32009
	codeBlockNotAvailable      = -32004
	codeBlockCleanedUp         = -32001
)

const (
	defaultCommitment = "confirmed"
	maxTxVersion      = 0
)

type RPCConfig struct {
	URL        string
	Commitment string
	Timeout    time.Duration
}

// RPCClient talks to a node over JSON-RPC 2.0 / HTTP.
type RPCClient struct {
	TreeReader

	rpc        *erpc.Client
	commitment string
}

var _ ChainClient = (*RPCClient)(nil)

func NewRPCClient(ctx context.Context, cfg RPCConfig) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, xerrors.New("rpc url is empty")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = defaultCommitment
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	c, err := erpc.DialOptions(ctx, cfg.URL, erpc.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, xerrors.Errorf("dialing %s: %w", cfg.URL, err)
	}
	cl := &RPCClient{rpc: c, commitment: cfg.Commitment}
	cl.TreeReader = TreeReader{Accounts: cl}
	return cl, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func rpcCode(err error) (int, bool) {
	var re erpc.Error
	if errors.As(err, &re) {
		return re.ErrorCode(), true
	}
	return 0, false
}

func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, addr PublicKey, opts SignaturesOpts) ([]SignatureInfo, error) {
	params := map[string]any{"commitment": c.commitment}
	if opts.Before != "" {
		params["before"] = opts.Before
	}
	if opts.Until != "" {
		params["until"] = opts.Until
	}
	if opts.Limit > 0 {
		params["limit"] = opts.Limit
	}

	var out []SignatureInfo
	if err := c.rpc.CallContext(ctx, &out, "getSignaturesForAddress", addr.String(), params); err != nil {
		return nil, xerrors.Errorf("getSignaturesForAddress %s: %w", addr, err)
	}
	return out, nil
}

func (c *RPCClient) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	params := map[string]any{
		"encoding":                       "json",
		"maxSupportedTransactionVersion": maxTxVersion,
		"transactionDetails":             "full",
		"rewards":                        false,
		"commitment":                     c.commitment,
	}

	var blk *Block
	err := c.rpc.CallContext(ctx, &blk, "getBlock", slot, params)
	if err != nil {
		if code, ok := rpcCode(err); ok {
			switch code {
			case codeSlotSkipped, codeLongTermStorageSkipped:
				log.Debugw("slot has no block", "slot", slot, "code", code)
				return nil, nil
			case codeBlockCleanedUp:
				return nil, outcome.Skipf("getBlock %d: %w", slot, err)
			case codeBlockNotAvailable:
				return nil, outcome.Retryablef("getBlock %d: %w", slot, err)
			}
		}
		return nil, xerrors.Errorf("getBlock %d: %w", slot, err)
	}
	if blk == nil {
		return nil, nil
	}
	blk.Slot = slot
	return blk, nil
}

type accountInfoResult struct {
	Value *struct {
		Data       []string `json:"data"`
		Owner      string   `json:"owner"`
		Lamports   uint64   `json:"lamports"`
		Executable bool     `json:"executable"`
	} `json:"value"`
}

func (c *RPCClient) GetAccountData(ctx context.Context, addr PublicKey) ([]byte, error) {
	var res accountInfoResult
	params := map[string]any{"encoding": "base64", "commitment": c.commitment}
	if err := c.rpc.CallContext(ctx, &res, "getAccountInfo", addr.String(), params); err != nil {
		return nil, xerrors.Errorf("getAccountInfo %s: %w", addr, err)
	}
	if res.Value == nil {
		return nil, outcome.Wrap(outcome.Fatal, ErrAccountNotFound)
	}
	if len(res.Value.Data) != 2 || res.Value.Data[1] != "base64" {
		return nil, xerrors.Errorf("getAccountInfo %s: unexpected data encoding %v", addr, res.Value.Data)
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, xerrors.Errorf("getAccountInfo %s: decoding data: %w", addr, err)
	}
	return data, nil
}
