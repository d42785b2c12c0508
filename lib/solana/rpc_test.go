package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/outcome"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// jsonRPCServer answers each method with a canned handler.
func jsonRPCServer(t *testing.T, handlers map[string]func(params []json.RawMessage) (any, *rpcErr)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		h, ok := handlers[req.Method]
		require.True(t, ok, "unexpected method %s", req.Method)

		res, rerr := h(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = res
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func key(b byte) PublicKey {
	var pk PublicKey
	pk[0] = b
	pk[31] = b
	return pk
}

func TestRPCGetSignaturesForAddress(t *testing.T) {
	tree := key(1)
	srv := jsonRPCServer(t, map[string]func([]json.RawMessage) (any, *rpcErr){
		"getSignaturesForAddress": func(params []json.RawMessage) (any, *rpcErr) {
			var addr string
			require.NoError(t, json.Unmarshal(params[0], &addr))
			require.Equal(t, tree.String(), addr)

			var opts map[string]any
			require.NoError(t, json.Unmarshal(params[1], &opts))
			require.Equal(t, "sigB", opts["before"])
			require.Equal(t, "sigA", opts["until"])
			require.EqualValues(t, 2, opts["limit"])

			return []map[string]any{
				{"signature": "sig3", "slot": 12, "err": nil},
				{"signature": "sig2", "slot": 11, "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
			}, nil
		},
	})

	c, err := NewRPCClient(context.Background(), RPCConfig{URL: srv.URL})
	require.NoError(t, err)
	defer c.Close()

	sigs, err := c.GetSignaturesForAddress(context.Background(), tree, SignaturesOpts{Before: "sigB", Until: "sigA", Limit: 2})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, uint64(12), sigs[0].Slot)
	require.False(t, sigs[0].Failed())
	require.True(t, sigs[1].Failed())
}

func TestRPCGetBlock(t *testing.T) {
	prog := key(2)
	payer := key(3)
	data := []byte{1, 2, 3, 4}

	srv := jsonRPCServer(t, map[string]func([]json.RawMessage) (any, *rpcErr){
		"getBlock": func(params []json.RawMessage) (any, *rpcErr) {
			var slot uint64
			require.NoError(t, json.Unmarshal(params[0], &slot))
			switch slot {
			case 5:
				return nil, &rpcErr{Code: codeSlotSkipped, Message: "Slot 5 was skipped"}
			case 6:
				return nil, &rpcErr{Code: codeBlockNotAvailable, Message: "Block not available for slot 6"}
			}
			return map[string]any{
				"blockhash":  "hash",
				"parentSlot": slot - 1,
				"transactions": []any{map[string]any{
					"transaction": map[string]any{
						"signatures": []string{"txsig"},
						"message": map[string]any{
							"accountKeys":  []string{payer.String(), prog.String()},
							"instructions": []any{map[string]any{"programIdIndex": 1, "accounts": []int{0, 2}, "data": base58.Encode(data)}},
						},
					},
					"meta": map[string]any{
						"err":               nil,
						"innerInstructions": []any{},
						"loadedAddresses":   map[string]any{"writable": []string{key(4).String()}, "readonly": []string{}},
					},
					"version": 0,
				}},
			}, nil
		},
	})

	c, err := NewRPCClient(context.Background(), RPCConfig{URL: srv.URL, Commitment: "finalized"})
	require.NoError(t, err)
	defer c.Close()

	blk, err := c.GetBlock(context.Background(), 5)
	require.NoError(t, err)
	require.Nil(t, blk)

	_, err = c.GetBlock(context.Background(), 6)
	require.Error(t, err)
	require.Equal(t, outcome.Retryable, outcome.KindOf(err))

	blk, err = c.GetBlock(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), blk.Slot)
	require.Len(t, blk.Transactions, 1)

	tx := blk.Transactions[0]
	require.True(t, tx.Succeeded())
	require.Equal(t, "txsig", tx.Signature())
	require.Equal(t, []PublicKey{payer, prog, key(4)}, tx.AccountKeys())
	require.True(t, tx.References(prog, key(4)))
	require.False(t, tx.References(key(9)))

	ix, err := Resolve(tx.AccountKeys(), tx.Transaction.Message.Instructions[0])
	require.NoError(t, err)
	require.Equal(t, prog, ix.ProgramID)
	require.Equal(t, []PublicKey{payer, key(4)}, ix.Accounts)
	require.Equal(t, data, ix.Data)
}

func TestRPCTreeAccount(t *testing.T) {
	tree := key(7)

	ref, err := cmt.NewReferenceTree(2)
	require.NoError(t, err)
	cl, err := ref.Append(cmt.Node{5})
	require.NoError(t, err)
	acct := &cmt.TreeAccount{
		Header:         cmt.Header{MaxBufferSize: 2, MaxDepth: 2, CreationSlot: 40},
		SequenceNumber: 1,
		ActiveIndex:    1,
		BufferSize:     2,
		ChangeLogs:     []cmt.ChangeLog{ref.InitialChangeLog(), cl},
		RightmostProof: make([]cmt.Node, 2),
	}
	raw, err := acct.MarshalBinary()
	require.NoError(t, err)

	srv := jsonRPCServer(t, map[string]func([]json.RawMessage) (any, *rpcErr){
		"getAccountInfo": func(params []json.RawMessage) (any, *rpcErr) {
			var addr string
			require.NoError(t, json.Unmarshal(params[0], &addr))
			if addr != tree.String() {
				return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}, nil
			}
			return map[string]any{
				"context": map[string]any{"slot": 1},
				"value":   map[string]any{"data": []string{base64.StdEncoding.EncodeToString(raw), "base64"}, "owner": "x", "lamports": 1},
			}, nil
		},
	})

	c, err := NewRPCClient(context.Background(), RPCConfig{URL: srv.URL})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	seq, err := c.GetCurrentOnChainSequence(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	slot, err := c.GetTreeCreationSlot(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, uint64(40), slot)

	depth, err := c.GetTreeMaxDepth(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, uint32(2), depth)

	root, err := c.GetOnChainRoot(ctx, tree, 1)
	require.NoError(t, err)
	require.Equal(t, ref.Root(), root)

	root, err = c.GetOnChainRoot(ctx, tree, 0)
	require.NoError(t, err)
	require.Equal(t, cmt.EmptyRoot(2), root)

	_, err = c.GetTreeMaxDepth(ctx, key(8))
	require.ErrorIs(t, err, ErrAccountNotFound)
}
