package itests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/lib/changelog/harmonystore"
	"github.com/cmtidx/cmtidx/lib/cmt"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/testutil/dbtest"
	"github.com/cmtidx/cmtidx/lib/testutil/fakechain"
	"github.com/cmtidx/cmtidx/tasks/repair"
)

func TestRepairOnHarmonyStore(t *testing.T) {
	ctx := context.Background()
	db, _ := dbtest.NewDB(t)
	s := harmonystore.New(db)

	l, err := fakechain.New(tree, 3, 8, 100)
	require.NoError(t, err)
	l.LookupTables = true
	for i := 0; i < 8; i++ {
		_, err := l.Append(101+uint64(i), cmt.Node{0x77, byte(i)})
		require.NoError(t, err)
	}
	// a replacement after the tree filled up
	_, err = l.Replace(109, 3, cmt.Node{0x99})
	require.NoError(t, err)

	cfg := repair.DefaultConfig()
	cfg.Backfill.Retry = retry.Policy{Attempts: 3, Min: time.Millisecond, Max: time.Millisecond}
	p, err := repair.New(l, s, cfg)
	require.NoError(t, err)

	res, err := p.Run(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, repair.StatusValid, res.Status)
	require.Equal(t, l.Root(), res.Report().ComputedRoot)

	rows, err := s.AllRows(ctx, tree)
	require.NoError(t, err)
	require.Len(t, rows, 36)

	gaps, err := s.MissingSequenceRange(ctx, tree, 0)
	require.NoError(t, err)
	require.Empty(t, gaps)
}
