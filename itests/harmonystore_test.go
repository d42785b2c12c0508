package itests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/harmony/harmonydb"
	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/changelog/harmonystore"
	"github.com/cmtidx/cmtidx/lib/changelog/storetest"
	"github.com/cmtidx/cmtidx/lib/solana"
	"github.com/cmtidx/cmtidx/lib/testutil/dbtest"
)

var tree = solana.MustPublicKey("GGUmStBmbPb3SQGNtzUQ5YEcuhGXmq5BZgaXVHe9psbs")

func TestHarmonyStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) changelog.Store {
		db, _ := dbtest.NewDB(t)
		return harmonystore.New(db)
	})
}

func TestMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, cfg := dbtest.NewDB(t)

	s := harmonystore.New(db)
	evs := storetest.Events(t, tree, 2)
	require.NoError(t, s.UpsertChangeLog(ctx, evs[1]))

	// a second connection finds every migration applied
	again, err := harmonydb.New(ctx, cfg)
	require.NoError(t, err)
	defer again.Close()

	var applied []struct {
		Entry string `db:"entry"`
	}
	require.NoError(t, again.Select(ctx, &applied, `SELECT entry FROM base`))
	require.NotEmpty(t, applied)

	var n int
	require.NoError(t, again.QueryRow(ctx, `SELECT COUNT(*) FROM merkle`).Scan(&n))
	require.Equal(t, 4, n)
}

func TestTransaction(t *testing.T) {
	ctx := context.Background()
	db, _ := dbtest.NewDB(t)

	const insert = `INSERT INTO merkle (tree_id, transaction_id, slot, node_idx, seq, level, hash)
		VALUES ('t', 'x', 1, 1, 1, 0, '\x00')`

	committed, err := db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		if _, err := tx.Exec(insert); err != nil {
			return false, err
		}
		return false, nil
	})
	require.NoError(t, err)
	require.False(t, committed)

	var n int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM merkle`).Scan(&n))
	require.Zero(t, n)

	committed, err = db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (bool, error) {
		_, err := tx.Exec(insert)
		return err == nil, err
	}, harmonydb.OptionRetry())
	require.NoError(t, err)
	require.True(t, committed)

	_, err = db.Exec(ctx, insert)
	require.Error(t, err)
	require.True(t, harmonydb.IsErrUniqueContraint(err))
}
