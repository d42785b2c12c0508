// Package ldbstore keeps change-log rows in a LevelDB database.
//
// Two key spaces are maintained in the same batch:
//
//	m | tree | seq | node  -> row     primary, ordered by (seq, node)
//	n | tree | node | seq  -> row     latest-per-node lookups
//
// Integers are big endian so that key order is numeric order.
package ldbstore

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/outcome"
	"github.com/cmtidx/cmtidx/lib/solana"
)

var log = logging.Logger("cmtidx/ldbstore")

const (
	prefixRows  = 'm'
	prefixNodes = 'n'

	treeKeyLen = 1 + solana.PublicKeySize
	rowKeyLen  = treeKeyLen + 8 + 4
)

type Options struct {
	// Path of the database directory; empty keeps everything in memory.
	Path string
	// Sync makes every write durable before returning.
	Sync bool
}

type Store struct {
	db   *leveldb.DB
	sync bool
}

var _ changelog.Store = (*Store)(nil)

func Open(o Options) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if o.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(o.Path, nil)
		if lerrors.IsCorrupted(err) {
			log.Warnw("leveldb corrupted, attempting recovery", "path", o.Path, "error", err)
			db, err = leveldb.RecoverFile(o.Path, nil)
		}
	}
	if err != nil {
		return nil, xerrors.Errorf("opening leveldb %q: %w", o.Path, err)
	}
	return &Store{db: db, sync: o.Sync}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func classify(err error) error {
	if lerrors.IsCorrupted(err) {
		return outcome.Wrap(outcome.Fatal, err)
	}
	if xerrors.Is(err, leveldb.ErrClosed) {
		return outcome.Wrap(outcome.Fatal, err)
	}
	return err
}

func treePrefix(p byte, tree solana.PublicKey) []byte {
	k := make([]byte, treeKeyLen, rowKeyLen)
	k[0] = p
	copy(k[1:], tree[:])
	return k
}

func rowKey(tree solana.PublicKey, seq uint64, node uint32) []byte {
	k := treePrefix(prefixRows, tree)
	k = binary.BigEndian.AppendUint64(k, seq)
	return binary.BigEndian.AppendUint32(k, node)
}

func nodeKey(tree solana.PublicKey, node uint32, seq uint64) []byte {
	k := treePrefix(prefixNodes, tree)
	k = binary.BigEndian.AppendUint32(k, node)
	return binary.BigEndian.AppendUint64(k, seq)
}

// row value: level u32 | hash [32] | slot u64 | tx id
func encodeValue(r changelog.MerkleRow) []byte {
	v := make([]byte, 0, 4+cmt.NodeSize+8+len(r.TxID))
	v = binary.BigEndian.AppendUint32(v, r.Level)
	v = append(v, r.Hash[:]...)
	v = binary.BigEndian.AppendUint64(v, r.Slot)
	return append(v, r.TxID...)
}

func decodeRow(p byte, key, val []byte) (changelog.MerkleRow, error) {
	var r changelog.MerkleRow
	if len(key) != rowKeyLen || len(val) < 4+cmt.NodeSize+8 {
		return r, changelog.Corruptionf("malformed leveldb entry (key %d bytes, value %d bytes)", len(key), len(val))
	}
	copy(r.TreeID[:], key[1:treeKeyLen])
	switch p {
	case prefixRows:
		r.Seq = binary.BigEndian.Uint64(key[treeKeyLen:])
		r.NodeIndex = binary.BigEndian.Uint32(key[treeKeyLen+8:])
	case prefixNodes:
		r.NodeIndex = binary.BigEndian.Uint32(key[treeKeyLen:])
		r.Seq = binary.BigEndian.Uint64(key[treeKeyLen+4:])
	}
	r.Level = binary.BigEndian.Uint32(val)
	copy(r.Hash[:], val[4:])
	r.Slot = binary.BigEndian.Uint64(val[4+cmt.NodeSize:])
	r.TxID = string(val[4+cmt.NodeSize+8:])
	return r, nil
}

func (s *Store) UpsertChangeLog(ctx context.Context, ev *cmtevent.ChangeLogEvent) error {
	return s.UpsertRows(ctx, changelog.RowsFromEvent(ev))
}

func (s *Store) UpsertRows(ctx context.Context, rows []changelog.MerkleRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := new(leveldb.Batch)
	for _, r := range rows {
		if r.Seq == 0 {
			continue
		}
		v := encodeValue(r)
		b.Put(rowKey(r.TreeID, r.Seq, r.NodeIndex), v)
		b.Put(nodeKey(r.TreeID, r.NodeIndex, r.Seq), v)
	}
	if b.Len() == 0 {
		return nil
	}
	if err := s.db.Write(b, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return xerrors.Errorf("writing %d rows: %w", len(rows), classify(err))
	}
	return nil
}

func (s *Store) scan(ctx context.Context, p byte, it iterator.Iterator, each func(changelog.MerkleRow) error) error {
	defer it.Release()
	for n := 0; it.Next(); n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		r, err := decodeRow(p, it.Key(), it.Value())
		if err != nil {
			return err
		}
		if err := each(r); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) LatestTreeRows(ctx context.Context, tree solana.PublicKey, maxSeq *uint64) ([]changelog.TreeRow, error) {
	var (
		out  []changelog.TreeRow
		have bool
		last changelog.TreeRow
	)
	// entries of one node are contiguous and ascending in seq
	it := s.db.NewIterator(util.BytesPrefix(treePrefix(prefixNodes, tree)), nil)
	err := s.scan(ctx, prefixNodes, it, func(r changelog.MerkleRow) error {
		if have && r.NodeIndex != last.NodeIndex {
			out = append(out, last)
			have = false
		}
		if maxSeq == nil || r.Seq <= *maxSeq {
			last, have = r, true
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("scanning latest rows of %s: %w", tree, err)
	}
	if have {
		out = append(out, last)
	}
	return out, nil
}

// nodeRange spans the entries of node with seq <= maxSeq.
func nodeRange(tree solana.PublicKey, node uint32, maxSeq *uint64) *util.Range {
	prefix := nodeKey(tree, node, 0)[:treeKeyLen+4]
	if maxSeq == nil || *maxSeq == math.MaxUint64 {
		return util.BytesPrefix(prefix)
	}
	return &util.Range{Start: prefix, Limit: nodeKey(tree, node, *maxSeq+1)}
}

func (s *Store) RowsForNodes(ctx context.Context, tree solana.PublicKey, nodes []uint32, maxSeq *uint64) ([]changelog.TreeRow, error) {
	out := make([]changelog.TreeRow, 0, len(nodes))
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := s.db.NewIterator(nodeRange(tree, node, maxSeq), nil)
		if it.Last() {
			r, err := decodeRow(prefixNodes, it.Key(), it.Value())
			if err != nil {
				it.Release()
				return nil, err
			}
			out = append(out, r)
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return nil, xerrors.Errorf("reading node %d: %w", node, classify(err))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].NodeIndex < out[j].NodeIndex
	})
	return out, nil
}

func (s *Store) LatestTreeInfo(ctx context.Context, tree solana.PublicKey) (changelog.TreeInfo, error) {
	return s.edgeInfo(tree, func(it iterator.Iterator) bool { return it.Last() })
}

func (s *Store) EarliestTreeInfo(ctx context.Context, tree solana.PublicKey) (changelog.TreeInfo, error) {
	return s.edgeInfo(tree, func(it iterator.Iterator) bool { return it.First() })
}

func (s *Store) edgeInfo(tree solana.PublicKey, move func(iterator.Iterator) bool) (changelog.TreeInfo, error) {
	it := s.db.NewIterator(util.BytesPrefix(treePrefix(prefixRows, tree)), nil)
	defer it.Release()
	if !move(it) {
		if err := it.Error(); err != nil {
			return changelog.TreeInfo{}, classify(err)
		}
		return changelog.TreeInfo{}, changelog.ErrNotFound
	}
	r, err := decodeRow(prefixRows, it.Key(), it.Value())
	if err != nil {
		return changelog.TreeInfo{}, err
	}
	return changelog.TreeInfo{Seq: r.Seq, Slot: r.Slot, TxID: r.TxID}, nil
}

func (s *Store) seqTuples(ctx context.Context, tree solana.PublicKey, minSeq uint64) ([]changelog.SeqTuple, error) {
	rng := util.BytesPrefix(treePrefix(prefixRows, tree))
	rng.Start = rowKey(tree, minSeq, 0)

	var out []changelog.SeqTuple
	seen := map[changelog.SeqTuple]struct{}{}
	err := s.scan(ctx, prefixRows, s.db.NewIterator(rng, nil), func(r changelog.MerkleRow) error {
		t := changelog.SeqTuple{Seq: r.Seq, Slot: r.Slot, TxID: r.TxID}
		if len(out) > 0 && out[len(out)-1].Seq != r.Seq {
			clear(seen)
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (s *Store) MissingSequenceRange(ctx context.Context, tree solana.PublicKey, minSeq uint64) ([]changelog.GapInfo, error) {
	tuples, err := s.seqTuples(ctx, tree, minSeq)
	if err != nil {
		return nil, xerrors.Errorf("scanning seqs of %s: %w", tree, err)
	}
	gaps, err := changelog.GapsFromTuples(tuples)
	if err != nil {
		return nil, xerrors.Errorf("tree %s: %w", tree, err)
	}
	return gaps, nil
}

func (s *Store) HasTree(ctx context.Context, tree solana.PublicKey) (bool, error) {
	it := s.db.NewIterator(util.BytesPrefix(treePrefix(prefixRows, tree)), nil)
	defer it.Release()
	if it.First() {
		return true, nil
	}
	return false, classify(it.Error())
}

func (s *Store) AllRows(ctx context.Context, tree solana.PublicKey) ([]changelog.MerkleRow, error) {
	var out []changelog.MerkleRow
	it := s.db.NewIterator(util.BytesPrefix(treePrefix(prefixRows, tree)), nil)
	err := s.scan(ctx, prefixRows, it, func(r changelog.MerkleRow) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("scanning rows of %s: %w", tree, err)
	}
	return out, nil
}
