package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/deps"
	"github.com/cmtidx/cmtidx/deps/stats"
	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
	"github.com/cmtidx/cmtidx/tasks/backfill"
	"github.com/cmtidx/cmtidx/tasks/repair"
	"github.com/cmtidx/cmtidx/tasks/validate"
)

const treeArgsUsage = "<treeId> <tableName> <rpcUrl>"

// treeArgs parses <treeId> <tableName> [rpcUrl]. The rpc url may come from config.
func treeArgs(cctx *cli.Context) (solana.PublicKey, string, string, error) {
	if cctx.NArg() < 2 || cctx.NArg() > 3 {
		return solana.PublicKey{}, "", "", xerrors.Errorf("expected %s", treeArgsUsage)
	}
	tree, err := solana.ParsePublicKey(cctx.Args().Get(0))
	if err != nil {
		return solana.PublicKey{}, "", "", xerrors.Errorf("parsing tree id: %w", err)
	}
	return tree, cctx.Args().Get(1), cctx.Args().Get(2), nil
}

func chainDeps(cctx *cli.Context) (*deps.Deps, solana.PublicKey, error) {
	tree, table, rpcURL, err := treeArgs(cctx)
	if err != nil {
		return nil, tree, err
	}
	d, err := getDeps(cctx, table, rpcURL)
	if err != nil {
		return nil, tree, err
	}
	if d.Chain == nil {
		_ = d.Close()
		return nil, tree, xerrors.New("no rpc url given and Chain.RPCURL is not configured")
	}
	return d, tree, nil
}

var backfillCmd = &cli.Command{
	Name:      "backfill",
	Usage:     "Fill the gaps of a tree from chain history and validate the result",
	ArgsUsage: treeArgsUsage,
	Description: `Runs gap detection, backfill and validation, repeating up to --attempts times
while the rebuilt root disagrees with the chain.

Exit status: 0 valid, 2 repaired on a later attempt, 3 still invalid, 1 on error.`,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:        "attempts",
			Usage:       "maximum backfill and validate rounds",
			DefaultText: "Repair.MaxAttempts from config (3)",
		},
	},
	Action: func(cctx *cli.Context) error {
		d, tree, err := chainDeps(cctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = d.Close()
		}()

		rc, err := deps.RepairConfig(d.Cfg)
		if err != nil {
			return err
		}
		if cctx.IsSet("attempts") {
			rc.MaxAttempts = cctx.Int("attempts")
		}
		p, err := repair.New(d.Chain, d.Store, rc)
		if err != nil {
			return err
		}
		res, err := p.Run(cctx.Context, tree)
		if err != nil {
			return err
		}

		printRepair(res)
		if rep := res.Report(); rep != nil {
			recordTree(cctx.Context, d.Store, tree, rep)
		}
		if code := res.Status.ExitCode(); code != repair.ExitValid {
			return cli.Exit("", code)
		}
		return nil
	},
}

func printRepair(res *repair.Result) {
	fmt.Printf("Tree:     %s\n", res.Tree)
	fmt.Printf("Depth:    %d\n", res.MaxDepth)
	for i, at := range res.Attempts {
		kind := "gaps"
		if at.Rescan {
			kind = "rescan"
		}
		fmt.Printf("Attempt %d (%s):\n", i+1, kind)
		if b := at.Backfill; b != nil {
			fmt.Printf("  on-chain seq %s, %d gaps, %s slots (%d skipped, %d failed)\n",
				humanize.Comma(int64(b.Live.Seq)), len(b.Gaps), humanize.Comma(int64(b.Slots)), b.SlotsSkipped, len(b.SlotsFailed))
			fmt.Printf("  %s txs, %s events, %d malformed\n",
				humanize.Comma(b.Transactions), humanize.Comma(b.Events), b.Malformed)
			if b.Err != nil {
				fmt.Printf("  %s %s\n", color.YellowString("slot errors:"), b.Err)
			}
		}
		switch {
		case at.Report != nil:
			fmt.Printf("  root at seq %d: %s\n", at.Report.Seq, verdict(at.Report.Valid))
		case at.Err != nil:
			fmt.Printf("  not validated: %s\n", at.Err)
		}
	}

	var status string
	switch res.Status {
	case repair.StatusValid:
		status = color.GreenString("VALID")
	case repair.StatusRepaired:
		status = color.GreenString("REPAIRED")
	default:
		status = color.RedString("INVALID")
	}
	fmt.Printf("Result:   %s", status)
	if rep := res.Report(); rep != nil {
		fmt.Printf(" (seq %d, root %s)", rep.Seq, rep.OnChainRoot)
	}
	fmt.Println()
}

func verdict(valid bool) string {
	if valid {
		return color.GreenString("valid")
	}
	return color.RedString("invalid")
}

// recordTree updates the tree gauges for a metrics scrape after the run.
func recordTree(ctx context.Context, store changelog.Store, tree solana.PublicKey, rep *validate.Report) {
	var stored uint64
	info, err := store.LatestTreeInfo(ctx, tree)
	switch {
	case err == nil:
		stored = info.Seq
	case !xerrors.Is(err, changelog.ErrNotFound):
		log.Warnw("reading stored seq", "tree", tree, "error", err)
	}
	stats.RecordTree(ctx, tree.String(), stored, rep.Seq, rep.Valid)
}

var gapsCmd = &cli.Command{
	Name:      "gaps",
	Usage:     "List the sequence ranges missing from the store",
	ArgsUsage: treeArgsUsage,
	Action: func(cctx *cli.Context) error {
		d, tree, err := chainDeps(cctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = d.Close()
		}()

		live, err := backfill.FetchLiveState(cctx.Context, d.Chain, tree, deps.RetryPolicy(d.Cfg))
		if err != nil {
			return err
		}
		gaps, err := backfill.NewDetector(d.Store).Detect(cctx.Context, tree, live)
		if err != nil {
			return err
		}

		fmt.Printf("On-chain seq %s, created at slot %d, newest tx at slot %d\n",
			humanize.Comma(int64(live.Seq)), live.CreationSlot, live.LatestSlot)
		if len(gaps) == 0 {
			fmt.Println(color.GreenString("no gaps"))
			return nil
		}
		var missing uint64
		for _, g := range gaps {
			missing += g.Missing()
			fmt.Printf("  seq %d..%d (slot %d..%d): %s missing\n",
				g.PrevSeq, g.CurSeq, g.PrevSlot, g.CurSlot, color.YellowString(humanize.Comma(int64(g.Missing()))))
		}
		fmt.Printf("%d gaps, %s sequence numbers missing\n", len(gaps), humanize.Comma(int64(missing)))
		return nil
	},
}

var validateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "Rebuild the root from stored rows and compare it with the chain",
	ArgsUsage: treeArgsUsage,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:        "seq",
			Usage:       "validate as of this sequence number, must still be in the on-chain buffer",
			DefaultText: "current on-chain sequence",
		},
	},
	Action: func(cctx *cli.Context) error {
		d, tree, err := chainDeps(cctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = d.Close()
		}()
		ctx := cctx.Context
		p := deps.RetryPolicy(d.Cfg)

		depth, err := retry.Do(ctx, p, "getTreeMaxDepth", func(ctx context.Context) (uint32, error) {
			return d.Chain.GetTreeMaxDepth(ctx, tree)
		})
		if err != nil {
			return err
		}
		seq := cctx.Uint64("seq")
		if !cctx.IsSet("seq") {
			seq, err = retry.Do(ctx, p, "getCurrentOnChainSequence", func(ctx context.Context) (uint64, error) {
				return d.Chain.GetCurrentOnChainSequence(ctx, tree)
			})
			if err != nil {
				return err
			}
		}

		rep, err := validate.New(d.Store, d.Chain, p).Validate(ctx, tree, depth, seq)
		if err != nil {
			return err
		}
		recordTree(ctx, d.Store, tree, rep)

		fmt.Printf("Tree:     %s (depth %d)\n", tree, depth)
		fmt.Printf("Seq:      %s\n", humanize.Comma(int64(seq)))
		fmt.Printf("Rows:     %s, %s leaves, %d stale internal nodes\n",
			humanize.Comma(int64(rep.Rows)), humanize.Comma(int64(rep.Leaves)), rep.StaleNodes)
		fmt.Printf("Computed: %s\n", rep.ComputedRoot)
		fmt.Printf("On-chain: %s\n", rep.OnChainRoot)
		fmt.Printf("Result:   %s\n", verdict(rep.Valid))
		if !rep.Valid {
			return cli.Exit("", repair.ExitInvalid)
		}
		return nil
	},
}

var proofCmd = &cli.Command{
	Name:      "proof",
	Usage:     "Print the inclusion proof of a leaf from stored rows",
	ArgsUsage: "<treeId> <tableName> <leafIndex> [rpcUrl]",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:        "seq",
			Usage:       "proof as of this sequence number",
			DefaultText: "current on-chain sequence",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 3 {
			return xerrors.New("expected <treeId> <tableName> <leafIndex> [rpcUrl]")
		}
		tree, err := solana.ParsePublicKey(cctx.Args().Get(0))
		if err != nil {
			return xerrors.Errorf("parsing tree id: %w", err)
		}
		leaf, err := strconv.ParseUint(cctx.Args().Get(2), 10, 32)
		if err != nil {
			return xerrors.Errorf("parsing leaf index: %w", err)
		}
		d, err := getDeps(cctx, cctx.Args().Get(1), cctx.Args().Get(3))
		if err != nil {
			return err
		}
		defer func() {
			_ = d.Close()
		}()
		if d.Chain == nil {
			return xerrors.New("no rpc url given and Chain.RPCURL is not configured")
		}
		ctx := cctx.Context
		p := deps.RetryPolicy(d.Cfg)

		depth, err := retry.Do(ctx, p, "getTreeMaxDepth", func(ctx context.Context) (uint32, error) {
			return d.Chain.GetTreeMaxDepth(ctx, tree)
		})
		if err != nil {
			return err
		}
		seq := cctx.Uint64("seq")
		if !cctx.IsSet("seq") {
			seq, err = retry.Do(ctx, p, "getCurrentOnChainSequence", func(ctx context.Context) (uint64, error) {
				return d.Chain.GetCurrentOnChainSequence(ctx, tree)
			})
			if err != nil {
				return err
			}
		}

		pr, err := validate.New(d.Store, d.Chain, p).ProofForLeaf(ctx, tree, depth, uint32(leaf), seq)
		if err != nil {
			return err
		}
		fmt.Printf("Leaf %d at seq %d: %s\n", pr.LeafIndex, seq, pr.Leaf)
		for lvl, s := range pr.Siblings {
			fmt.Printf("  %2d %s\n", lvl, s)
		}
		fmt.Printf("Root: %s\n", pr.Root)
		return nil
	},
}
