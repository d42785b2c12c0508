// Package cmtevent turns compression-program instructions into change-log events.
package cmtevent

import (
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/solana"
)

type Status int

const (
	// Ignored instructions carry nothing for the index.
	Ignored Status = iota
	Emitted
	// Malformed instructions mean the transaction cannot be trusted; callers drop the rest of it.
	Malformed
)

func (s Status) String() string {
	switch s {
	case Ignored:
		return "ignored"
	case Emitted:
		return "emitted"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

type Result struct {
	Status Status
	Op     Opcode
	Event  *ChangeLogEvent
	Err    error
}

type Decoder struct {
	Programs Programs
}

func NewDecoder(p Programs) *Decoder {
	return &Decoder{Programs: p}
}

// Decode inspects one top-level instruction and the inner instructions it invoked.
func Decode(ix solana.Instruction, inner []solana.Instruction) Result {
	return (&Decoder{Programs: DefaultPrograms}).Decode(ix, inner)
}

func (d *Decoder) Decode(ix solana.Instruction, inner []solana.Instruction) Result {
	if ix.ProgramID != d.Programs.Compression {
		return Result{Status: Ignored}
	}
	op := opcodeOf(ix.Data)
	if !op.Mutates() {
		return Result{Status: Ignored, Op: op}
	}

	// a mutation makes exactly one inner call, the log CPI
	if len(inner) != 1 {
		return Result{Status: Malformed, Op: op, Err: xerrors.Errorf("%s made %d inner instructions, want 1: %w", op, len(inner), ErrMalformedEvent)}
	}
	if inner[0].ProgramID != d.Programs.Noop {
		return Result{Status: Malformed, Op: op, Err: xerrors.Errorf("%s inner instruction calls %s, not the noop program: %w", op, inner[0].ProgramID, ErrMalformedEvent)}
	}

	ev, err := DecodeEnvelope(inner[0].Data)
	switch {
	case xerrors.Is(err, ErrApplicationData):
		return Result{Status: Ignored, Op: op}
	case err != nil:
		return Result{Status: Malformed, Op: op, Err: xerrors.Errorf("%s: %w", op, err)}
	}
	return Result{Status: Emitted, Op: op, Event: ev}
}

// InstructionData builds instruction data for op followed by already serialized args.
func InstructionData(op Opcode, args ...[]byte) []byte {
	d := Discriminator(op)
	out := append([]byte(nil), d[:]...)
	for _, a := range args {
		out = append(out, a...)
	}
	return out
}
