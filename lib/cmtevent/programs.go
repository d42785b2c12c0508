package cmtevent

import (
	"github.com/minio/sha256-simd"

	"github.com/cmtidx/cmtidx/lib/solana"
)

var (
	// CompressionProgramID owns concurrent Merkle tree accounts.
	CompressionProgramID = solana.MustPublicKey("cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK")
	// NoopProgramID is invoked with the serialized event as instruction data so the event
	// survives log truncation.
	NoopProgramID = solana.MustPublicKey("noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV")
)

// Programs names the two programs a tree's transactions go through.
type Programs struct {
	Compression solana.PublicKey
	Noop        solana.PublicKey
}

var DefaultPrograms = Programs{Compression: CompressionProgramID, Noop: NoopProgramID}

type Opcode uint8

const (
	OpUnknown Opcode = iota
	OpInitEmptyMerkleTree
	OpPrepareBatchMerkleTree
	OpAppendCanopyNodes
	OpInitPreparedTreeWithRoot
	OpReplaceLeaf
	OpTransferAuthority
	OpVerifyLeaf
	OpAppend
	OpInsertOrAppend
	OpCloseEmptyTree
)

var opNames = map[Opcode]string{
	OpInitEmptyMerkleTree:      "init_empty_merkle_tree",
	OpPrepareBatchMerkleTree:   "prepare_batch_merkle_tree",
	OpAppendCanopyNodes:        "append_canopy_nodes",
	OpInitPreparedTreeWithRoot: "init_prepared_tree_with_root",
	OpReplaceLeaf:              "replace_leaf",
	OpTransferAuthority:        "transfer_authority",
	OpVerifyLeaf:               "verify_leaf",
	OpAppend:                   "append",
	OpInsertOrAppend:           "insert_or_append",
	OpCloseEmptyTree:           "close_empty_tree",
}

func (o Opcode) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}

// Mutates reports whether the instruction changes the tree and therefore emits a
// change-log event through the noop program.
func (o Opcode) Mutates() bool {
	switch o {
	case OpInitEmptyMerkleTree, OpInitPreparedTreeWithRoot, OpReplaceLeaf, OpAppend, OpInsertOrAppend:
		return true
	}
	return false
}

const DiscriminatorSize = 8

// Discriminator is the 8-byte instruction tag: sha256("global:<name>")[:8].
func Discriminator(o Opcode) [DiscriminatorSize]byte {
	var d [DiscriminatorSize]byte
	sum := sha256.Sum256([]byte("global:" + o.String()))
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

var opByDiscriminator = func() map[[DiscriminatorSize]byte]Opcode {
	m := make(map[[DiscriminatorSize]byte]Opcode, len(opNames))
	for op := range opNames {
		m[Discriminator(op)] = op
	}
	return m
}()

func opcodeOf(data []byte) Opcode {
	if len(data) < DiscriminatorSize {
		return OpUnknown
	}
	var d [DiscriminatorSize]byte
	copy(d[:], data)
	return opByDiscriminator[d]
}
