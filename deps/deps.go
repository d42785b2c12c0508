// Package deps provides the dependencies of the indexer commands: the changelog store,
// the chain client and the task configurations derived from config.
package deps

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/deps/config"
	"github.com/cmtidx/cmtidx/harmony/harmonydb"
	"github.com/cmtidx/cmtidx/lib/changelog"
	"github.com/cmtidx/cmtidx/lib/changelog/harmonystore"
	"github.com/cmtidx/cmtidx/lib/changelog/ldbstore"
	"github.com/cmtidx/cmtidx/lib/cmtevent"
	"github.com/cmtidx/cmtidx/lib/retry"
	"github.com/cmtidx/cmtidx/lib/solana"
	"github.com/cmtidx/cmtidx/tasks/backfill"
	"github.com/cmtidx/cmtidx/tasks/repair"
)

var log = logging.Logger("cmtidx/deps")

type Deps struct {
	Cfg   *config.Config
	Store changelog.Store
	// Chain is nil for commands that only read the store.
	Chain solana.ChainClient

	closers []func() error
}

// New opens the store named table and, when rpcURL is not empty, the chain client.
func New(ctx context.Context, cfg *config.Config, table, rpcURL string) (*Deps, error) {
	d := &Deps{Cfg: cfg}

	store, err := OpenStore(ctx, cfg, table)
	if err != nil {
		return nil, err
	}
	d.Store = store
	d.closers = append(d.closers, store.Close)

	if rpcURL != "" {
		c, err := OpenChain(ctx, cfg, rpcURL)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.Chain = c
		d.closers = append(d.closers, func() error { c.Close(); return nil })
	}
	return d, nil
}

func (d *Deps) Close() error {
	var errs *multierror.Error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = multierror.Append(errs, d.closers[i]())
	}
	d.closers = nil
	return errs.ErrorOrNil()
}

// OpenStore opens the changelog store named table: a LevelDB directory under
// Store.Dir (or an absolute path), or a schema of the HarmonyDB database.
func OpenStore(ctx context.Context, cfg *config.Config, table string) (changelog.Store, error) {
	if table == "" {
		return nil, xerrors.New("table name is empty")
	}
	switch cfg.Store.Kind {
	case config.StoreLevelDB:
		path := table
		if !filepath.IsAbs(path) {
			dir, err := cfg.ExpandedStoreDir()
			if err != nil {
				return nil, xerrors.Errorf("expanding store dir: %w", err)
			}
			path = filepath.Join(dir, table)
		}
		log.Debugw("opening leveldb store", "path", path)
		return ldbstore.Open(ldbstore.Options{Path: path, Sync: cfg.Store.Sync})

	case config.StoreHarmonyDB:
		db, err := harmonydb.New(ctx, HarmonyDBConfig(cfg, table))
		if err != nil {
			return nil, xerrors.Errorf("connecting to harmonydb: %w", err)
		}
		return harmonystore.New(db), nil

	default:
		return nil, xerrors.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func HarmonyDBConfig(cfg *config.Config, schema string) harmonydb.Config {
	return harmonydb.Config{
		Hosts:       cfg.HarmonyDB.Hosts,
		Username:    cfg.HarmonyDB.Username,
		Password:    cfg.HarmonyDB.Password,
		Database:    cfg.HarmonyDB.Database,
		Port:        cfg.HarmonyDB.Port,
		LoadBalance: cfg.HarmonyDB.LoadBalance,
		Schema:      schema,
	}
}

func OpenChain(ctx context.Context, cfg *config.Config, rpcURL string) (*solana.RPCClient, error) {
	return solana.NewRPCClient(ctx, solana.RPCConfig{
		URL:        rpcURL,
		Commitment: cfg.Chain.Commitment,
		Timeout:    cfg.Chain.Timeout.Std(),
	})
}

func RetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Attempts: cfg.Backfill.RetryAttempts,
		Min:      cfg.Backfill.RetryMinBackoff.Std(),
		Max:      cfg.Backfill.RetryMaxBackoff.Std(),
	}
}

func BackfillConfig(cfg *config.Config) (backfill.Config, error) {
	progs := cmtevent.DefaultPrograms
	var err error
	if p := cfg.Backfill.CompressionProgram; p != "" {
		if progs.Compression, err = solana.ParsePublicKey(p); err != nil {
			return backfill.Config{}, xerrors.Errorf("compression program: %w", err)
		}
	}
	if p := cfg.Backfill.NoopProgram; p != "" {
		if progs.Noop, err = solana.ParsePublicKey(p); err != nil {
			return backfill.Config{}, xerrors.Errorf("noop program: %w", err)
		}
	}
	return backfill.Config{
		SignaturePageSize: cfg.Backfill.SignaturePageSize,
		TxParallelism:     cfg.Backfill.TxParallelism,
		Retry:             RetryPolicy(cfg),
		Programs:          progs,
	}, nil
}

func RepairConfig(cfg *config.Config) (repair.Config, error) {
	bf, err := BackfillConfig(cfg)
	if err != nil {
		return repair.Config{}, err
	}
	return repair.Config{
		MaxAttempts:    cfg.Repair.MaxAttempts,
		BlockCacheSize: cfg.Chain.BlockCacheSize,
		Backfill:       bf,
	}, nil
}

// SetupLogLevels applies Logging.SubsystemLevels on top of the process defaults.
func SetupLogLevels(cfg *config.Config) error {
	for sub, lvl := range cfg.Logging.SubsystemLevels {
		if err := logging.SetLogLevel(sub, strings.ToLower(lvl)); err != nil {
			return xerrors.Errorf("setting log level of %s: %w", sub, err)
		}
	}
	return nil
}
