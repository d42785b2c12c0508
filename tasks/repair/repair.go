// Package repair drives a tree to a validated state: detect gaps, backfill them,
// validate the rebuilt root, and try again a bounded number of times when it does not
// match.
package repair

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/outcome"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
	"github.com/cmtidx/cmtidx/tasks/backfill"
	"github.com/cmtidx/cmtidx/tasks/validate"
)

var log = logging.Logger("cmtidx/repair")

// Status is the final verdict of a pipeline run.
type Status int

const (
	// StatusValid means the first validation matched the chain.
	StatusValid Status = iota
	// StatusRepaired means a later attempt fixed what the first one could not.
	StatusRepaired
	// StatusInvalid means the root still disagrees after every attempt.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRepaired:
		return "repaired"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Process exit codes. Operational errors exit with 1.
const (
	ExitValid    = 0
	ExitFatal    = 1
	ExitRepaired = 2
	ExitInvalid  = 3
)

func (s Status) ExitCode() int {
	switch s {
	case StatusValid:
		return ExitValid
	case StatusRepaired:
		return ExitRepaired
	default:
		return ExitInvalid
	}
}

type Config struct {
	// MaxAttempts bounds the backfill+validate rounds.
	MaxAttempts int
	// BlockCacheSize is the number of blocks kept across attempts.
	BlockCacheSize int
	Backfill       backfill.Config
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BlockCacheSize: 4096,
		Backfill:       backfill.DefaultConfig(),
	}
}

// Attempt records one round. Report is nil when the round could not be judged, for
// instance when the chain moved past the root history window meanwhile.
type Attempt struct {
	Rescan   bool
	Backfill *backfill.Result
	Report   *validate.Report
	Err      error
}

type Result struct {
	Tree     solana.PublicKey
	MaxDepth uint32
	Status   Status
	Attempts []Attempt
}

// Report returns the last validation report, nil if no round produced one.
func (r *Result) Report() *validate.Report {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if r.Attempts[i].Report != nil {
			return r.Attempts[i].Report
		}
	}
	return nil
}

type Pipeline struct {
	chain     solana.ChainClient
	backfill  *backfill.Backfiller
	detector  *backfill.Detector
	validator *validate.Validator
	cfg       Config
}

// New wraps chain in a block cache shared by every attempt of the pipeline.
func New(chain solana.ChainClient, store changelog.Store, cfg Config) (*Pipeline, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	cached, err := solana.NewCachingClient(chain, cfg.BlockCacheSize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		chain:     cached,
		backfill:  backfill.New(cached, store, cfg.Backfill),
		detector:  backfill.NewDetector(store),
		validator: validate.New(store, cached, cfg.Backfill.Retry),
		cfg:       cfg,
	}, nil
}

// Run repairs tree. The first round backfills the detected gaps. A round that ends
// invalid with nothing left to fill is followed by a full rescan of the tree's history,
// which overwrites every row the chain still emits.
func (p *Pipeline) Run(ctx context.Context, tree solana.PublicKey) (*Result, error) {
	depth, err := retry.Do(ctx, p.cfg.Backfill.Retry, "getTreeMaxDepth", func(ctx context.Context) (uint32, error) {
		return p.chain.GetTreeMaxDepth(ctx, tree)
	})
	if err != nil {
		return nil, xerrors.Errorf("reading max depth of %s: %w", tree, err)
	}

	res := &Result{Tree: tree, MaxDepth: depth, Status: StatusInvalid}
	rescan := false
	for i := 1; i <= p.cfg.MaxAttempts; i++ {
		log.Infow("repair attempt", "tree", tree, "attempt", i, "of", p.cfg.MaxAttempts, "rescan", rescan)

		at, err := p.attempt(ctx, tree, depth, rescan)
		res.Attempts = append(res.Attempts, at)
		if err != nil {
			return res, xerrors.Errorf("attempt %d: %w", i, err)
		}

		if at.Report != nil && at.Report.Valid {
			if i == 1 {
				res.Status = StatusValid
			} else {
				res.Status = StatusRepaired
			}
			break
		}
		rescan = at.Report != nil && len(at.Backfill.Gaps) == 0 && at.Backfill.Err == nil
	}

	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(statusKey, res.Status.String())}, Measures.Runs.M(1))
	stats.Record(ctx, Measures.Attempts.M(int64(len(res.Attempts))))
	log.Infow("repair finished", "tree", tree, "status", res.Status, "attempts", len(res.Attempts))
	return res, nil
}

func (p *Pipeline) attempt(ctx context.Context, tree solana.PublicKey, depth uint32, rescan bool) (Attempt, error) {
	at := Attempt{Rescan: rescan}

	live, err := backfill.FetchLiveState(ctx, p.chain, tree, p.cfg.Backfill.Retry)
	if err != nil {
		return at, err
	}
	var gaps []changelog.GapInfo
	if rescan {
		gaps = []changelog.GapInfo{backfill.FullHistory(live)}
	} else {
		gaps, err = p.detector.Detect(ctx, tree, live)
		if err != nil {
			return at, err
		}
	}
	at.Backfill, err = p.backfill.BackfillGaps(ctx, tree, live, gaps)
	if err != nil {
		return at, err
	}
	if at.Backfill.Err != nil {
		log.Warnw("backfill left failed slots", "tree", tree, "failed", at.Backfill.SlotsFailed, "error", at.Backfill.Err)
	}

	at.Report, err = p.validator.Validate(ctx, tree, depth, live.Seq)
	if err != nil {
		if outcome.KindOf(err) != outcome.Skip {
			return at, err
		}
		log.Warnw("could not validate this round", "tree", tree, "seq", live.Seq, "error", err)
		at.Report, at.Err = nil, err
	}
	return at, nil
}
