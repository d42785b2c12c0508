package cmt

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// On-chain account layout of a concurrent Merkle tree (header version 1):
//
//	header (56 bytes)
//	  u8  account type (1 = concurrent merkle tree)
//	  u8  header version (0 = V1)
//	  u32 max buffer size
//	  u32 max depth
//	  [32]byte authority
//	  u64 creation slot
//	  u8  is batch initialized
//	  [5]byte padding
//	tree
//	  u64 sequence number
//	  u64 active index
//	  u64 buffer size
//	  change log ring: max buffer size x { root, path[max depth], u32 index, u32 pad }
//	  rightmost proof: { proof[max depth], leaf, u32 index, u32 pad }
//	canopy (remaining bytes)
//
// All integers are little endian.
const (
	HeaderSizeV1 = 56

	accountTypeTree = 1
	headerVersionV1 = 0
)

var (
	ErrNotTreeAccount    = xerrors.New("account is not a concurrent merkle tree")
	ErrRootUnavailable   = xerrors.New("root for sequence number is not in the on-chain change log buffer")
	ErrTreeUninitialized = xerrors.New("tree is not initialized")
)

type Header struct {
	MaxBufferSize      uint32
	MaxDepth           uint32
	Authority          [32]byte
	CreationSlot       uint64
	IsBatchInitialized bool
}

type TreeAccount struct {
	Header Header

	SequenceNumber uint64
	ActiveIndex    uint64
	BufferSize     uint64
	ChangeLogs     []ChangeLog

	RightmostProof []Node
	RightmostLeaf  Node
	RightmostIndex uint32

	Canopy []byte
}

func changeLogSize(depth uint32) int {
	return NodeSize + int(depth)*NodeSize + 8
}

func pathSize(depth uint32) int {
	return int(depth)*NodeSize + NodeSize + 8
}

// TreeBodySize is the size of the tree section that follows the header.
func TreeBodySize(maxDepth, maxBufferSize uint32) int {
	return 24 + int(maxBufferSize)*changeLogSize(maxDepth) + pathSize(maxDepth)
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b)-r.off < n {
		r.err = xerrors.Errorf("account data truncated at offset %d (need %d more bytes)", r.off, n)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) node() Node {
	var n Node
	copy(n[:], r.take(NodeSize))
	return n
}

func ParseTreeAccount(data []byte) (*TreeAccount, error) {
	r := &reader{b: data}

	if r.u8() != accountTypeTree {
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrNotTreeAccount
	}
	if v := r.u8(); v != headerVersionV1 {
		if r.err != nil {
			return nil, r.err
		}
		return nil, xerrors.Errorf("unsupported tree header version %d", v)
	}

	var acct TreeAccount
	h := &acct.Header
	h.MaxBufferSize = r.u32()
	h.MaxDepth = r.u32()
	copy(h.Authority[:], r.take(32))
	h.CreationSlot = r.u64()
	h.IsBatchInitialized = r.u8() != 0
	r.take(5)
	if r.err != nil {
		return nil, xerrors.Errorf("parsing tree header: %w", r.err)
	}
	if err := CheckDepth(h.MaxDepth); err != nil {
		return nil, xerrors.Errorf("parsing tree header: %w", err)
	}
	if h.MaxBufferSize == 0 || h.MaxBufferSize&(h.MaxBufferSize-1) != 0 {
		return nil, xerrors.Errorf("parsing tree header: max buffer size %d is not a power of two", h.MaxBufferSize)
	}

	acct.SequenceNumber = r.u64()
	acct.ActiveIndex = r.u64()
	acct.BufferSize = r.u64()

	acct.ChangeLogs = make([]ChangeLog, h.MaxBufferSize)
	for i := range acct.ChangeLogs {
		cl := &acct.ChangeLogs[i]
		cl.Root = r.node()
		cl.Path = make([]Node, h.MaxDepth)
		for lvl := range cl.Path {
			cl.Path[lvl] = r.node()
		}
		cl.Index = r.u32()
		r.u32()
	}

	acct.RightmostProof = make([]Node, h.MaxDepth)
	for lvl := range acct.RightmostProof {
		acct.RightmostProof[lvl] = r.node()
	}
	acct.RightmostLeaf = r.node()
	acct.RightmostIndex = r.u32()
	r.u32()

	if r.err != nil {
		return nil, xerrors.Errorf("parsing tree body: %w", r.err)
	}
	if acct.ActiveIndex >= uint64(h.MaxBufferSize) || acct.BufferSize > uint64(h.MaxBufferSize) {
		return nil, xerrors.Errorf("parsing tree body: active index %d / buffer size %d exceed max buffer size %d",
			acct.ActiveIndex, acct.BufferSize, h.MaxBufferSize)
	}
	acct.Canopy = data[r.off:]

	// annotate ring entries with the sequence number they carry
	mask := uint64(h.MaxBufferSize - 1)
	for k := uint64(0); k < acct.BufferSize && k <= acct.SequenceNumber; k++ {
		acct.ChangeLogs[(acct.ActiveIndex-k)&mask].Seq = acct.SequenceNumber - k
	}

	return &acct, nil
}

func (a *TreeAccount) Initialized() bool {
	return !(a.BufferSize == 0 && a.SequenceNumber == 0 && a.ActiveIndex == 0)
}

// CurrentRoot is the root after the latest mutation.
func (a *TreeAccount) CurrentRoot() (Node, error) {
	if !a.Initialized() {
		return Node{}, ErrTreeUninitialized
	}
	return a.ChangeLogs[a.ActiveIndex].Root, nil
}

// RootAt returns the root as of sequence number seq, provided the change log ring still
// holds it.
func (a *TreeAccount) RootAt(seq uint64) (Node, error) {
	if !a.Initialized() {
		return Node{}, ErrTreeUninitialized
	}
	if seq > a.SequenceNumber {
		return Node{}, xerrors.Errorf("sequence %d is ahead of on-chain sequence %d: %w", seq, a.SequenceNumber, ErrRootUnavailable)
	}
	back := a.SequenceNumber - seq
	if back >= a.BufferSize {
		return Node{}, xerrors.Errorf("sequence %d is %d behind on-chain sequence %d, buffer holds %d: %w",
			seq, back, a.SequenceNumber, a.BufferSize, ErrRootUnavailable)
	}
	mask := uint64(a.Header.MaxBufferSize - 1)
	return a.ChangeLogs[(a.ActiveIndex-back)&mask].Root, nil
}

// MarshalBinary encodes the account in the on-chain layout.
func (a *TreeAccount) MarshalBinary() ([]byte, error) {
	h := a.Header
	if err := CheckDepth(h.MaxDepth); err != nil {
		return nil, err
	}
	if len(a.ChangeLogs) != int(h.MaxBufferSize) || len(a.RightmostProof) != int(h.MaxDepth) {
		return nil, xerrors.Errorf("account shape does not match header (depth %d, buffer %d)", h.MaxDepth, h.MaxBufferSize)
	}

	out := make([]byte, 0, HeaderSizeV1+TreeBodySize(h.MaxDepth, h.MaxBufferSize)+len(a.Canopy))
	out = append(out, accountTypeTree, headerVersionV1)
	out = binary.LittleEndian.AppendUint32(out, h.MaxBufferSize)
	out = binary.LittleEndian.AppendUint32(out, h.MaxDepth)
	out = append(out, h.Authority[:]...)
	out = binary.LittleEndian.AppendUint64(out, h.CreationSlot)
	if h.IsBatchInitialized {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, make([]byte, 5)...)

	out = binary.LittleEndian.AppendUint64(out, a.SequenceNumber)
	out = binary.LittleEndian.AppendUint64(out, a.ActiveIndex)
	out = binary.LittleEndian.AppendUint64(out, a.BufferSize)
	for _, cl := range a.ChangeLogs {
		out = append(out, cl.Root[:]...)
		for lvl := 0; lvl < int(h.MaxDepth); lvl++ {
			var n Node
			if lvl < len(cl.Path) {
				n = cl.Path[lvl]
			}
			out = append(out, n[:]...)
		}
		out = binary.LittleEndian.AppendUint32(out, cl.Index)
		out = binary.LittleEndian.AppendUint32(out, 0)
	}
	for _, n := range a.RightmostProof {
		out = append(out, n[:]...)
	}
	out = append(out, a.RightmostLeaf[:]...)
	out = binary.LittleEndian.AppendUint32(out, a.RightmostIndex)
	out = binary.LittleEndian.AppendUint32(out, 0)
	return append(out, a.Canopy...), nil
}

// NewTreeAccount returns the account of a freshly initialized empty tree: sequence 0 with
// the empty root as the only change log.
func NewTreeAccount(h Header) (*TreeAccount, error) {
	if err := CheckDepth(h.MaxDepth); err != nil {
		return nil, err
	}
	if h.MaxBufferSize == 0 || h.MaxBufferSize&(h.MaxBufferSize-1) != 0 {
		return nil, xerrors.Errorf("max buffer size %d is not a power of two", h.MaxBufferSize)
	}
	t, err := NewReferenceTree(h.MaxDepth)
	if err != nil {
		return nil, err
	}
	a := &TreeAccount{
		Header:         h,
		BufferSize:     1,
		ChangeLogs:     make([]ChangeLog, h.MaxBufferSize),
		RightmostProof: make([]Node, h.MaxDepth),
	}
	a.ChangeLogs[0] = t.InitialChangeLog()
	copy(a.RightmostProof, t.Proof(0))
	return a, nil
}

// Push advances the change log ring by one entry. Only the ring and the sequence number
// move; the rightmost proof is left as is.
func (a *TreeAccount) Push(cl ChangeLog) {
	mask := uint64(a.Header.MaxBufferSize - 1)
	a.ActiveIndex = (a.ActiveIndex + 1) & mask
	if a.BufferSize < uint64(a.Header.MaxBufferSize) {
		a.BufferSize++
	}
	a.SequenceNumber = cl.Seq
	a.ChangeLogs[a.ActiveIndex] = cl
}
