// Package harmonystore keeps change-log rows in the merkle table of a harmonydb schema.
package harmonystore

import (
	"context"
	"math"

	logging "github.com/ipfs/go-log/v2"
	"github.com/yugabyte/pgx/v5"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/harmony/harmonydb"
	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/solana"
)

var log = logging.Logger("cmtidx/harmonystore")

type Store struct {
	db *harmonydb.DB
}

var _ changelog.Store = (*Store)(nil)

func New(db *harmonydb.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

const upsertRow = `INSERT INTO merkle (tree_id, transaction_id, slot, node_idx, seq, level, hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (tree_id, seq, node_idx) DO UPDATE SET
		transaction_id = EXCLUDED.transaction_id,
		slot = EXCLUDED.slot,
		level = EXCLUDED.level,
		hash = EXCLUDED.hash`

type dbRow struct {
	TreeID        string `db:"tree_id"`
	TransactionID string `db:"transaction_id"`
	Slot          int64  `db:"slot"`
	NodeIdx       int64  `db:"node_idx"`
	Seq           int64  `db:"seq"`
	Level         int64  `db:"level"`
	Hash          []byte `db:"hash"`
}

func (r dbRow) toRow() (changelog.MerkleRow, error) {
	tree, err := solana.ParsePublicKey(r.TreeID)
	if err != nil {
		return changelog.MerkleRow{}, changelog.Corruptionf("stored tree id %q: %v", r.TreeID, err)
	}
	hash, err := cmt.NodeFromBytes(r.Hash)
	if err != nil {
		return changelog.MerkleRow{}, changelog.Corruptionf("node %d at seq %d: %v", r.NodeIdx, r.Seq, err)
	}
	if r.NodeIdx < 0 || r.NodeIdx > math.MaxUint32 || r.Seq < 0 || r.Level < 0 || r.Slot < 0 {
		return changelog.MerkleRow{}, changelog.Corruptionf("row out of range: node %d seq %d level %d slot %d", r.NodeIdx, r.Seq, r.Level, r.Slot)
	}
	return changelog.MerkleRow{
		TreeID:    tree,
		Seq:       uint64(r.Seq),
		NodeIndex: uint32(r.NodeIdx),
		Level:     uint32(r.Level),
		Hash:      hash,
		Slot:      uint64(r.Slot),
		TxID:      r.TransactionID,
	}, nil
}

func toRows(in []dbRow) ([]changelog.MerkleRow, error) {
	out := make([]changelog.MerkleRow, len(in))
	for i, r := range in {
		var err error
		if out[i], err = r.toRow(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// seqBound converts an optional upper bound to the BIGINT domain.
func seqBound(maxSeq *uint64) int64 {
	if maxSeq == nil || *maxSeq > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(*maxSeq)
}

func (s *Store) UpsertChangeLog(ctx context.Context, ev *cmtevent.ChangeLogEvent) error {
	return s.UpsertRows(ctx, changelog.RowsFromEvent(ev))
}

// UpsertRows writes rows in a single transaction so a change log lands entirely or not at all.
func (s *Store) UpsertRows(ctx context.Context, rows []changelog.MerkleRow) error {
	b := &pgx.Batch{}
	for _, r := range rows {
		if r.Seq == 0 {
			continue
		}
		if r.Seq > math.MaxInt64 || r.Slot > math.MaxInt64 {
			return changelog.Corruptionf("seq %d / slot %d does not fit BIGINT", r.Seq, r.Slot)
		}
		b.Queue(upsertRow, r.TreeID.String(), r.TxID, int64(r.Slot), int64(r.NodeIndex), int64(r.Seq), int64(r.Level), r.Hash[:])
	}
	if b.Len() == 0 {
		return nil
	}

	_, err := s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		if err := tx.SendBatch(b); err != nil {
			return false, err
		}
		return true, nil
	}, harmonydb.OptionRetry())
	if err != nil {
		return xerrors.Errorf("upserting %d rows: %w", b.Len(), err)
	}
	return nil
}

func (s *Store) LatestTreeRows(ctx context.Context, tree solana.PublicKey, maxSeq *uint64) ([]changelog.TreeRow, error) {
	var rows []dbRow
	err := s.db.Select(ctx, &rows, `SELECT DISTINCT ON (node_idx) tree_id, transaction_id, slot, node_idx, seq, level, hash
		FROM merkle
		WHERE tree_id = $1 AND seq <= $2
		ORDER BY node_idx, seq DESC`, tree.String(), seqBound(maxSeq))
	if err != nil {
		return nil, xerrors.Errorf("selecting latest rows of %s: %w", tree, err)
	}
	return toRows(rows)
}

func (s *Store) RowsForNodes(ctx context.Context, tree solana.PublicKey, nodes []uint32, maxSeq *uint64) ([]changelog.TreeRow, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	idx := make([]int64, len(nodes))
	for i, n := range nodes {
		idx[i] = int64(n)
	}

	var rows []dbRow
	err := s.db.Select(ctx, &rows, `SELECT * FROM (
			SELECT DISTINCT ON (node_idx) tree_id, transaction_id, slot, node_idx, seq, level, hash
			FROM merkle
			WHERE tree_id = $1 AND seq <= $2 AND node_idx = ANY($3)
			ORDER BY node_idx, seq DESC
		) latest
		ORDER BY level, node_idx`, tree.String(), seqBound(maxSeq), idx)
	if err != nil {
		return nil, xerrors.Errorf("selecting %d nodes of %s: %w", len(nodes), tree, err)
	}
	return toRows(rows)
}

func (s *Store) LatestTreeInfo(ctx context.Context, tree solana.PublicKey) (changelog.TreeInfo, error) {
	return s.treeInfo(s.db.QueryRow(ctx, `SELECT seq, slot, transaction_id FROM merkle
		WHERE tree_id = $1
		ORDER BY seq DESC
		LIMIT 1`, tree.String()), tree)
}

func (s *Store) EarliestTreeInfo(ctx context.Context, tree solana.PublicKey) (changelog.TreeInfo, error) {
	return s.treeInfo(s.db.QueryRow(ctx, `SELECT seq, slot, transaction_id FROM merkle
		WHERE tree_id = $1
		ORDER BY seq ASC
		LIMIT 1`, tree.String()), tree)
}

func (s *Store) treeInfo(row harmonydb.Row, tree solana.PublicKey) (changelog.TreeInfo, error) {
	var (
		seq, slot int64
		tx        string
	)
	err := row.Scan(&seq, &slot, &tx)
	if xerrors.Is(err, pgx.ErrNoRows) {
		return changelog.TreeInfo{}, changelog.ErrNotFound
	}
	if err != nil {
		return changelog.TreeInfo{}, xerrors.Errorf("reading seq bound of %s: %w", tree, err)
	}
	return changelog.TreeInfo{Seq: uint64(seq), Slot: uint64(slot), TxID: tx}, nil
}

func (s *Store) MissingSequenceRange(ctx context.Context, tree solana.PublicKey, minSeq uint64) ([]changelog.GapInfo, error) {
	var tuples []struct {
		Seq           int64  `db:"seq"`
		Slot          int64  `db:"slot"`
		TransactionID string `db:"transaction_id"`
	}
	err := s.db.Select(ctx, &tuples, `SELECT DISTINCT seq, slot, transaction_id FROM merkle
		WHERE tree_id = $1 AND seq >= $2
		ORDER BY seq, slot, transaction_id`, tree.String(), seqBound(&minSeq))
	if err != nil {
		return nil, xerrors.Errorf("selecting seqs of %s: %w", tree, err)
	}

	in := make([]changelog.SeqTuple, len(tuples))
	for i, t := range tuples {
		in[i] = changelog.SeqTuple{Seq: uint64(t.Seq), Slot: uint64(t.Slot), TxID: t.TransactionID}
	}
	gaps, err := changelog.GapsFromTuples(in)
	if err != nil {
		return nil, xerrors.Errorf("tree %s: %w", tree, err)
	}
	log.Debugw("scanned sequence numbers", "tree", tree, "from", minSeq, "distinct", len(in), "gaps", len(gaps))
	return gaps, nil
}

func (s *Store) HasTree(ctx context.Context, tree solana.PublicKey) (bool, error) {
	var has bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM merkle WHERE tree_id = $1)`, tree.String()).Scan(&has)
	if err != nil {
		return false, xerrors.Errorf("checking for %s: %w", tree, err)
	}
	return has, nil
}

// AllRows streams the rows of tree, converting each as it is read.
func (s *Store) AllRows(ctx context.Context, tree solana.PublicKey) ([]changelog.MerkleRow, error) {
	q, err := s.db.Query(ctx, `SELECT tree_id, transaction_id, slot, node_idx, seq, level, hash
		FROM merkle
		WHERE tree_id = $1
		ORDER BY seq, node_idx`, tree.String())
	if err != nil {
		return nil, xerrors.Errorf("selecting rows of %s: %w", tree, err)
	}
	defer q.Close()

	var out []changelog.MerkleRow
	for q.Next() {
		var r dbRow
		if err := q.StructScan(&r); err != nil {
			return nil, xerrors.Errorf("scanning row of %s: %w", tree, err)
		}
		row, err := r.toRow()
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := q.Err(); err != nil {
		return nil, xerrors.Errorf("reading rows of %s: %w", tree, err)
	}
	return out, nil
}
