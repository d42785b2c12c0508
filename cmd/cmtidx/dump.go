package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/solana"
)

type jsonRow struct {
	Seq       uint64 `json:"seq"`
	NodeIndex uint32 `json:"nodeIdx"`
	Level     uint32 `json:"level"`
	Hash      string `json:"hash"`
	Slot      uint64 `json:"slot"`
	TxID      string `json:"transactionId"`
}

var dumpCmd = &cli.Command{
	Name:      "dump",
	Usage:     "Print the stored rows of a tree as JSON lines",
	ArgsUsage: "<treeId> <tableName>",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "seq",
			Usage: "print the tree as of this sequence number, one row per node",
		},
		&cli.BoolFlag{
			Name:  "latest",
			Usage: "print one row per node, the newest one",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.New("expected <treeId> <tableName>")
		}
		tree, err := solana.ParsePublicKey(cctx.Args().Get(0))
		if err != nil {
			return xerrors.Errorf("parsing tree id: %w", err)
		}
		d, err := getDeps(cctx, cctx.Args().Get(1), "")
		if err != nil {
			return err
		}
		defer func() {
			_ = d.Close()
		}()

		var rows []changelog.MerkleRow
		switch {
		case cctx.IsSet("seq"):
			seq := cctx.Uint64("seq")
			rows, err = d.Store.LatestTreeRows(cctx.Context, tree, &seq)
		case cctx.Bool("latest"):
			rows, err = d.Store.LatestTreeRows(cctx.Context, tree, nil)
		default:
			rows, err = d.Store.AllRows(cctx.Context, tree)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		for _, r := range rows {
			err := enc.Encode(jsonRow{
				Seq:       r.Seq,
				NodeIndex: r.NodeIndex,
				Level:     r.Level,
				Hash:      r.Hash.String(),
				Slot:      r.Slot,
				TxID:      r.TxID,
			})
			if err != nil {
				return err
			}
		}
		log.Infow("dumped rows", "tree", tree, "rows", len(rows))
		return nil
	},
}
