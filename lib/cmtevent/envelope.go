package cmtevent

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/solana"
)

// Event envelope as serialized into the noop instruction data (Borsh):
//
//	u8  event type     0 = change log, 1 = application data
//	u8  version        0 = V1
//	[32]byte tree id
//	u32 path length
//	path length x { [32]byte node, u32 node index }
//	u64 sequence number
//	u32 leaf index
const (
	eventTypeChangeLog       = 0
	eventTypeApplicationData = 1
	changeLogVersionV1       = 0

	pathNodeSize = cmt.NodeSize + 4
)

var (
	ErrApplicationData = xerrors.New("application data event")
	ErrMalformedEvent  = xerrors.New("malformed change log event")
)

// ChangeLogEvent is one tree mutation as recorded by the program.
type ChangeLogEvent struct {
	TreeID    solana.PublicKey
	Seq       uint64
	LeafIndex uint32
	// Path runs from the leaf (level 0) to the root (level maxDepth).
	Path []cmt.PathNode

	Slot uint64
	TxID string
}

func (e *ChangeLogEvent) MaxDepth() uint32 {
	if len(e.Path) == 0 {
		return 0
	}
	return uint32(len(e.Path) - 1)
}

// DecodeEnvelope parses noop instruction data into a change-log event. Slot and TxID
// are left for the caller.
func DecodeEnvelope(data []byte) (*ChangeLogEvent, error) {
	if len(data) < 2 {
		return nil, xerrors.Errorf("envelope of %d bytes: %w", len(data), ErrMalformedEvent)
	}
	switch data[0] {
	case eventTypeChangeLog:
	case eventTypeApplicationData:
		return nil, ErrApplicationData
	default:
		return nil, xerrors.Errorf("unknown event type %d: %w", data[0], ErrMalformedEvent)
	}
	if data[1] != changeLogVersionV1 {
		return nil, xerrors.Errorf("unknown change log version %d: %w", data[1], ErrMalformedEvent)
	}
	b := data[2:]

	if len(b) < solana.PublicKeySize+4 {
		return nil, xerrors.Errorf("truncated header: %w", ErrMalformedEvent)
	}
	var ev ChangeLogEvent
	copy(ev.TreeID[:], b[:solana.PublicKeySize])
	b = b[solana.PublicKeySize:]

	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if n == 0 || n > cmt.MaxSupportedDepth+1 {
		return nil, xerrors.Errorf("path length %d: %w", n, ErrMalformedEvent)
	}
	if len(b) != int(n)*pathNodeSize+8+4 {
		return nil, xerrors.Errorf("path of %d nodes needs %d bytes, have %d: %w", n, int(n)*pathNodeSize+12, len(b), ErrMalformedEvent)
	}

	ev.Path = make([]cmt.PathNode, n)
	for i := range ev.Path {
		copy(ev.Path[i].Node[:], b[:cmt.NodeSize])
		ev.Path[i].Index = binary.LittleEndian.Uint32(b[cmt.NodeSize:])
		b = b[pathNodeSize:]
	}
	ev.Seq = binary.LittleEndian.Uint64(b)
	ev.LeafIndex = binary.LittleEndian.Uint32(b[8:])

	if err := checkPath(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// checkPath verifies the node numbering is the one of a leaf-to-root walk.
func checkPath(ev *ChangeLogEvent) error {
	depth := ev.MaxDepth()
	if uint64(ev.LeafIndex) >= 1<<depth {
		return xerrors.Errorf("leaf index %d does not fit depth %d: %w", ev.LeafIndex, depth, ErrMalformedEvent)
	}
	for lvl, pn := range ev.Path {
		if want := cmt.PathNodeIndex(depth, ev.LeafIndex, uint32(lvl)); pn.Index != want {
			return xerrors.Errorf("path level %d has node index %d, want %d: %w", lvl, pn.Index, want, ErrMalformedEvent)
		}
	}
	return nil
}

// EncodeEnvelope is the inverse of DecodeEnvelope.
func EncodeEnvelope(ev *ChangeLogEvent) []byte {
	out := make([]byte, 0, 2+solana.PublicKeySize+4+len(ev.Path)*pathNodeSize+12)
	out = append(out, eventTypeChangeLog, changeLogVersionV1)
	out = append(out, ev.TreeID[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(ev.Path)))
	for _, pn := range ev.Path {
		out = append(out, pn.Node[:]...)
		out = binary.LittleEndian.AppendUint32(out, pn.Index)
	}
	out = binary.LittleEndian.AppendUint64(out, ev.Seq)
	return binary.LittleEndian.AppendUint32(out, ev.LeafIndex)
}

// NewChangeLogEvent builds the event the program emits for a change log.
func NewChangeLogEvent(tree solana.PublicKey, cl cmt.ChangeLog) *ChangeLogEvent {
	return &ChangeLogEvent{TreeID: tree, Seq: cl.Seq, LeafIndex: cl.Index, Path: cl.EventPath()}
}
