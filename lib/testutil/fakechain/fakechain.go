// Package fakechain is an in-memory ledger holding one concurrent Merkle tree. It
// produces the transactions, blocks, signatures and tree account the real program would,
// and serves them through solana.ChainClient.
package fakechain

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/outcome"
	"github.com/cmtidx/cmtidx/lib/solana"
)

var (
	Payer         = solana.MustPublicKey("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	ComputeBudget = solana.MustPublicKey("ComputeBudget111111111111111111111111111111")

	ErrInjected = xerrors.New("injected failure")
)

type Ledger struct {
	solana.TreeReader

	// LookupTables moves the noop program out of the static keys into addresses loaded
	// from a lookup table for every other transaction.
	LookupTables bool

	mu       sync.Mutex
	tree     solana.PublicKey
	programs cmtevent.Programs
	ref      *cmt.ReferenceTree
	acct     *cmt.TreeAccount
	events   []*cmtevent.ChangeLogEvent

	blocks  map[uint64]*solana.Block
	sigs    []solana.SignatureInfo // oldest first
	skipped map[uint64]bool
	maxSlot uint64
	ntx     int

	failBlock map[uint64]int
	failSigs  int
	calls     map[string]int
}

var _ solana.ChainClient = (*Ledger)(nil)

// New creates the tree with an init_empty_merkle_tree transaction at creationSlot.
func New(tree solana.PublicKey, maxDepth, maxBufferSize uint32, creationSlot uint64) (*Ledger, error) {
	ref, err := cmt.NewReferenceTree(maxDepth)
	if err != nil {
		return nil, err
	}
	acct, err := cmt.NewTreeAccount(cmt.Header{
		MaxBufferSize: maxBufferSize,
		MaxDepth:      maxDepth,
		Authority:     Payer,
		CreationSlot:  creationSlot,
	})
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		tree:      tree,
		programs:  cmtevent.DefaultPrograms,
		ref:       ref,
		acct:      acct,
		blocks:    map[uint64]*solana.Block{},
		skipped:   map[uint64]bool{},
		failBlock: map[uint64]int{},
		calls:     map[string]int{},
	}
	l.TreeReader = solana.TreeReader{Accounts: l}

	ev := cmtevent.NewChangeLogEvent(tree, ref.InitialChangeLog())
	l.addTx(creationSlot, txSpec{op: cmtevent.OpInitEmptyMerkleTree, noops: [][]byte{cmtevent.EncodeEnvelope(ev)}})
	ev.Slot, ev.TxID = creationSlot, l.sigs[len(l.sigs)-1].Signature
	l.events = append(l.events, ev)
	return l, nil
}

func (l *Ledger) Tree() solana.PublicKey { return l.tree }

func (l *Ledger) MaxDepth() uint32 { return l.ref.Depth() }

func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ref.Seq()
}

func (l *Ledger) Root() cmt.Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ref.Root()
}

// Events returns every change log emitted so far, indexed by seq.
func (l *Ledger) Events() []*cmtevent.ChangeLogEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*cmtevent.ChangeLogEvent(nil), l.events...)
}

// Slots lists the slots holding at least one transaction of the tree, ascending.
func (l *Ledger) Slots() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint64
	for _, s := range l.sigs {
		if len(out) == 0 || out[len(out)-1] != s.Slot {
			out = append(out, s.Slot)
		}
	}
	return out
}

func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Append adds a leaf in a transaction landing at slot.
func (l *Ledger) Append(slot uint64, leaf cmt.Node) (*cmtevent.ChangeLogEvent, error) {
	return l.mutate(slot, cmtevent.OpAppend, leaf[:], func() (cmt.ChangeLog, error) {
		return l.ref.Append(leaf)
	})
}

// Replace overwrites the leaf at leafIndex in a transaction landing at slot.
func (l *Ledger) Replace(slot uint64, leafIndex uint32, leaf cmt.Node) (*cmtevent.ChangeLogEvent, error) {
	return l.mutate(slot, cmtevent.OpReplaceLeaf, leaf[:], func() (cmt.ChangeLog, error) {
		return l.ref.SetLeaf(leafIndex, leaf)
	})
}

func (l *Ledger) mutate(slot uint64, op cmtevent.Opcode, args []byte, apply func() (cmt.ChangeLog, error)) (*cmtevent.ChangeLogEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot < l.maxSlot {
		return nil, xerrors.Errorf("slot %d is before the latest slot %d", slot, l.maxSlot)
	}
	cl, err := apply()
	if err != nil {
		return nil, err
	}
	l.acct.Push(cl)

	ev := cmtevent.NewChangeLogEvent(l.tree, cl)
	sig := l.addTx(slot, txSpec{op: op, args: args, noops: [][]byte{cmtevent.EncodeEnvelope(ev)}, computeBudget: l.ntx%3 == 0})
	ev.Slot, ev.TxID = slot, sig
	l.events = append(l.events, ev)
	return ev, nil
}

// AddFailedTx lands a transaction that errored; its event must not be indexed.
func (l *Ledger) AddFailedTx(slot uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	bogus := &cmtevent.ChangeLogEvent{TreeID: l.tree, Seq: 1 << 40, Path: l.fakePath()}
	return l.addTx(slot, txSpec{op: cmtevent.OpAppend, noops: [][]byte{cmtevent.EncodeEnvelope(bogus)}, failed: true})
}

// AddMalformedTx lands a successful append whose log emits two events.
func (l *Ledger) AddMalformedTx(slot uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	bogus := cmtevent.EncodeEnvelope(&cmtevent.ChangeLogEvent{TreeID: l.tree, Seq: 1 << 41, Path: l.fakePath()})
	return l.addTx(slot, txSpec{op: cmtevent.OpAppend, noops: [][]byte{bogus, bogus}})
}

// AddExtraCPITx lands a successful append that logs one event but also calls another
// program from inside the compression instruction.
func (l *Ledger) AddExtraCPITx(slot uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	bogus := cmtevent.EncodeEnvelope(&cmtevent.ChangeLogEvent{TreeID: l.tree, Seq: 1 << 42, Path: l.fakePath()})
	return l.addTx(slot, txSpec{op: cmtevent.OpAppend, noops: [][]byte{bogus}, extraCPI: true})
}

// AddVerifyLeaf lands a read-only instruction that emits nothing.
func (l *Ledger) AddVerifyLeaf(slot uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addTx(slot, txSpec{op: cmtevent.OpVerifyLeaf})
}

// AddForeignEvent lands an append whose event names another tree.
func (l *Ledger) AddForeignEvent(slot uint64, other solana.PublicKey) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := &cmtevent.ChangeLogEvent{TreeID: other, Seq: 1, Path: l.fakePath()}
	return l.addTx(slot, txSpec{op: cmtevent.OpAppend, noops: [][]byte{cmtevent.EncodeEnvelope(ev)}})
}

// SkipSlot makes GetBlock report slot as skipped by its leader.
func (l *Ledger) SkipSlot(slot uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipped[slot] = true
}

// FailBlock makes the next n GetBlock calls for slot fail.
func (l *Ledger) FailBlock(slot uint64, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failBlock[slot] = n
}

// FailSignatures makes the next n GetSignaturesForAddress calls fail.
func (l *Ledger) FailSignatures(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSigs = n
}

func (l *Ledger) fakePath() []cmt.PathNode {
	return (cmt.ChangeLog{Index: 0, Path: make([]cmt.Node, l.ref.Depth())}).EventPath()
}

type txSpec struct {
	op            cmtevent.Opcode
	args          []byte
	noops         [][]byte
	failed        bool
	computeBudget bool
	extraCPI      bool
}

// addTx builds, signs and lands a transaction calling the compression program. Callers
// hold l.mu (or are the constructor).
func (l *Ledger) addTx(slot uint64, spec txSpec) string {
	l.ntx++
	sig := fmt.Sprintf("sig%06d", l.ntx)

	keys := []solana.PublicKey{Payer, l.tree, l.programs.Compression}
	meta := &solana.TransactionMeta{Err: []byte("null")}
	noopIdx := uint16(len(keys))
	if l.LookupTables && l.ntx%2 == 0 {
		meta.LoadedAddresses = &solana.LoadedAddresses{Readonly: []solana.PublicKey{l.programs.Noop}}
	} else {
		keys = append(keys, l.programs.Noop)
	}
	var ixs []solana.CompiledInstruction
	if spec.computeBudget {
		keys = append(keys, ComputeBudget)
		if meta.LoadedAddresses != nil {
			noopIdx++ // loaded addresses follow every static key
		}
		ixs = append(ixs, solana.CompiledInstruction{ProgramIDIndex: uint16(len(keys) - 1), Data: []byte{2, 0, 0, 1, 0}})
	}
	if spec.failed {
		meta.Err = []byte(`{"InstructionError":[0,{"Custom":6001}]}`)
	}

	ixs = append(ixs, solana.CompiledInstruction{
		ProgramIDIndex: 2,
		Accounts:       []uint16{1, 0, noopIdx},
		Data:           cmtevent.InstructionData(spec.op, spec.args),
	})
	if len(spec.noops) > 0 {
		inner := solana.InnerInstructions{Index: uint16(len(ixs) - 1)}
		for _, data := range spec.noops {
			inner.Instructions = append(inner.Instructions, solana.CompiledInstruction{ProgramIDIndex: noopIdx, Data: data})
		}
		if spec.extraCPI {
			inner.Instructions = append(inner.Instructions, solana.CompiledInstruction{ProgramIDIndex: 0, Data: []byte{9}})
		}
		meta.InnerInstructions = []solana.InnerInstructions{inner}
	}

	tx := solana.TransactionWithMeta{
		Transaction: solana.Transaction{
			Signatures: []string{sig},
			Message:    solana.Message{AccountKeys: keys, Instructions: ixs},
		},
		Meta: meta,
	}

	b, ok := l.blocks[slot]
	if !ok {
		b = &solana.Block{Slot: slot, ParentSlot: slot - 1, Blockhash: fmt.Sprintf("hash%d", slot)}
		l.blocks[slot] = b
	}
	b.Transactions = append(b.Transactions, tx)
	info := solana.SignatureInfo{Signature: sig, Slot: slot, ConfirmationStatus: "finalized"}
	if spec.failed {
		info.Err = meta.Err
	}
	l.sigs = append(l.sigs, info)
	if slot > l.maxSlot {
		l.maxSlot = slot
	}
	return sig
}

func (l *Ledger) GetSignaturesForAddress(ctx context.Context, addr solana.PublicKey, opts solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getSignaturesForAddress"]++
	if l.failSigs > 0 {
		l.failSigs--
		return nil, ErrInjected
	}
	if addr != l.tree {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	start := len(l.sigs) - 1
	if opts.Before != "" {
		start = l.indexOf(opts.Before)
		if start < 0 {
			return nil, outcome.Fatalf("before signature %s not found", opts.Before)
		}
		start--
	}
	var out []solana.SignatureInfo
	for i := start; i >= 0 && len(out) < limit; i-- {
		if opts.Until != "" && l.sigs[i].Signature == opts.Until {
			break
		}
		out = append(out, l.sigs[i])
	}
	return out, nil
}

func (l *Ledger) indexOf(sig string) int {
	for i, s := range l.sigs {
		if s.Signature == sig {
			return i
		}
	}
	return -1
}

func (l *Ledger) GetBlock(ctx context.Context, slot uint64) (*solana.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getBlock"]++
	if n := l.failBlock[slot]; n > 0 {
		l.failBlock[slot] = n - 1
		return nil, xerrors.Errorf("block %d: %w", slot, ErrInjected)
	}
	if l.skipped[slot] {
		return nil, nil
	}
	if b, ok := l.blocks[slot]; ok {
		return b, nil
	}
	return &solana.Block{Slot: slot, ParentSlot: slot - 1}, nil
}

func (l *Ledger) GetAccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["getAccountInfo"]++
	if addr != l.tree {
		return nil, outcome.Wrap(outcome.Fatal, solana.ErrAccountNotFound)
	}
	return l.acct.MarshalBinary()
}
