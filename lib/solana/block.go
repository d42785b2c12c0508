package solana

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

type SignatureInfo struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err,omitempty"`
	BlockTime          *int64          `json:"blockTime,omitempty"`
	ConfirmationStatus string          `json:"confirmationStatus,omitempty"`
}

func (s SignatureInfo) Failed() bool {
	return !isNullJSON(s.Err)
}

type SignaturesOpts struct {
	// Before starts the search backwards from this signature (exclusive).
	Before string
	// Until stops the search at this signature (exclusive).
	Until string
	Limit int
}

type Block struct {
	Slot              uint64                `json:"-"`
	Blockhash         string                `json:"blockhash"`
	PreviousBlockhash string                `json:"previousBlockhash"`
	ParentSlot        uint64                `json:"parentSlot"`
	BlockTime         *int64                `json:"blockTime,omitempty"`
	BlockHeight       *uint64               `json:"blockHeight,omitempty"`
	Transactions      []TransactionWithMeta `json:"transactions"`
}

type TransactionWithMeta struct {
	Transaction Transaction      `json:"transaction"`
	Meta        *TransactionMeta `json:"meta"`
	Version     json.RawMessage  `json:"version,omitempty"`
}

type Transaction struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

type Message struct {
	AccountKeys     []PublicKey           `json:"accountKeys"`
	RecentBlockhash string                `json:"recentBlockhash"`
	Instructions    []CompiledInstruction `json:"instructions"`
}

type CompiledInstruction struct {
	ProgramIDIndex uint16     `json:"programIdIndex"`
	Accounts       []uint16   `json:"accounts"`
	Data           Base58Data `json:"data"`
	StackHeight    *uint32    `json:"stackHeight,omitempty"`
}

type InnerInstructions struct {
	Index        uint16                `json:"index"`
	Instructions []CompiledInstruction `json:"instructions"`
}

type LoadedAddresses struct {
	Writable []PublicKey `json:"writable"`
	Readonly []PublicKey `json:"readonly"`
}

type TransactionMeta struct {
	Err               json.RawMessage     `json:"err"`
	Fee               uint64              `json:"fee"`
	InnerInstructions []InnerInstructions `json:"innerInstructions"`
	LoadedAddresses   *LoadedAddresses    `json:"loadedAddresses,omitempty"`
	LogMessages       []string            `json:"logMessages,omitempty"`
}

// Instruction is a compiled instruction with its account indices resolved.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []PublicKey
	Data      []byte
}

func (tx *TransactionWithMeta) Signature() string {
	if len(tx.Transaction.Signatures) == 0 {
		return ""
	}
	return tx.Transaction.Signatures[0]
}

// Succeeded reports whether the transaction executed without error. Transactions
// without status metadata are treated as failed.
func (tx *TransactionWithMeta) Succeeded() bool {
	return tx.Meta != nil && isNullJSON(tx.Meta.Err)
}

// AccountKeys returns the full account list: static keys followed by addresses loaded
// from lookup tables (writable, then readonly), which is the order instruction account
// indices refer to.
func (tx *TransactionWithMeta) AccountKeys() []PublicKey {
	keys := tx.Transaction.Message.AccountKeys
	if tx.Meta == nil || tx.Meta.LoadedAddresses == nil {
		return keys
	}
	la := tx.Meta.LoadedAddresses
	out := make([]PublicKey, 0, len(keys)+len(la.Writable)+len(la.Readonly))
	out = append(out, keys...)
	out = append(out, la.Writable...)
	return append(out, la.Readonly...)
}

// References reports whether every key appears in the transaction's account list.
func (tx *TransactionWithMeta) References(keys ...PublicKey) bool {
	all := tx.AccountKeys()
	for _, want := range keys {
		found := false
		for _, k := range all {
			if k == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Resolve maps a compiled instruction's indices onto the given account list.
func Resolve(keys []PublicKey, ci CompiledInstruction) (Instruction, error) {
	if int(ci.ProgramIDIndex) >= len(keys) {
		return Instruction{}, xerrors.Errorf("program id index %d out of range (%d accounts)", ci.ProgramIDIndex, len(keys))
	}
	ix := Instruction{
		ProgramID: keys[ci.ProgramIDIndex],
		Accounts:  make([]PublicKey, len(ci.Accounts)),
		Data:      ci.Data,
	}
	for i, a := range ci.Accounts {
		if int(a) >= len(keys) {
			return Instruction{}, xerrors.Errorf("account index %d out of range (%d accounts)", a, len(keys))
		}
		ix.Accounts[i] = keys[a]
	}
	return ix, nil
}
