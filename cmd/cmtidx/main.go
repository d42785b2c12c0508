package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/cmtidx/cmtidx/build"
	"github.com/cmtidx/cmtidx/deps"
	"github.com/cmtidx/cmtidx/deps/config"
	"github.com/cmtidx/cmtidx/deps/stats"
	"github.com/cmtidx/cmtidx/tasks/repair"
)

var log = logging.Logger("main")

func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("cmtidx/retry", "WARN")
		_ = logging.SetLogLevel("rpc", "ERROR")
	}
}

func main() {
	SetupLogLevels()

	app := &cli.App{
		Name:                 "cmtidx",
		Usage:                "Index, gap-fill and validate concurrent Merkle trees from chain history",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				// examined in Before
				Name:        "color",
				Usage:       "use color in display output",
				DefaultText: "depends on output being a TTY",
			},
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"CMTIDX_CONFIG"},
				Usage:   "path to the TOML config file",
				Value:   "~/.cmtidx/config.toml",
			},
			&cli.StringFlag{
				Name:        "store",
				EnvVars:     []string{"CMTIDX_STORE"},
				Usage:       "changelog store: leveldb or harmonydb",
				DefaultText: "Store.Kind from config (leveldb)",
			},
			&cli.StringFlag{
				Name:        "store-dir",
				EnvVars:     []string{"CMTIDX_STORE_DIR"},
				Usage:       "parent directory of leveldb stores",
				DefaultText: "Store.Dir from config (~/.cmtidx)",
			},
			&cli.StringFlag{
				Name:    "db-host",
				EnvVars: []string{"CMTIDX_DB_HOST", "CMTIDX_HARMONYDB_HOSTS"},
				Usage:   "Comma separated list of hostnames for yugabyte cluster",
			},
			&cli.StringFlag{
				Name:    "db-name",
				EnvVars: []string{"CMTIDX_DB_NAME", "CMTIDX_HARMONYDB_NAME"},
				Usage:   "Name of the Postgres database in Yugabyte cluster",
			},
			&cli.StringFlag{
				Name:    "db-user",
				EnvVars: []string{"CMTIDX_DB_USER", "CMTIDX_HARMONYDB_USERNAME"},
				Usage:   "Username for connecting to the Postgres database in Yugabyte cluster",
			},
			&cli.StringFlag{
				Name:    "db-password",
				EnvVars: []string{"CMTIDX_DB_PASSWORD", "CMTIDX_HARMONYDB_PASSWORD"},
				Usage:   "Password for connecting to the Postgres database in Yugabyte cluster",
			},
			&cli.StringFlag{
				Name:    "db-port",
				EnvVars: []string{"CMTIDX_DB_PORT", "CMTIDX_HARMONYDB_PORT"},
				Usage:   "Port for connecting to the Postgres database in Yugabyte cluster",
			},
			&cli.BoolFlag{
				Name:    "db-load-balance",
				EnvVars: []string{"CMTIDX_DB_LOAD_BALANCE", "CMTIDX_HARMONYDB_LOAD_BALANCE"},
				Usage:   "Enable load balancing for connecting to the Postgres database in Yugabyte cluster",
			},
			&cli.StringFlag{
				Name:    "metrics-listen",
				EnvVars: []string{"CMTIDX_METRICS_LISTEN"},
				Usage:   "serve prometheus metrics on this address while the command runs",
			},
		},
		Before: func(cctx *cli.Context) error {
			if cctx.IsSet("color") {
				color.NoColor = !cctx.Bool("color")
			}
			return nil
		},
		Commands: []*cli.Command{
			backfillCmd,
			gapsCmd,
			validateCmd,
			proofCmd,
			dumpCmd,
			configCmd,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// cli.Exit errors carrying a verdict exit through the app's own handler
	if err := app.RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(repair.ExitFatal)
	}
}

// loadConfig reads --config and applies the global flags that were set on top of it.
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.FromFile(cctx.String("config"))
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}

	if cctx.IsSet("store") {
		cfg.Store.Kind = cctx.String("store")
	}
	if cctx.IsSet("store-dir") {
		cfg.Store.Dir = cctx.String("store-dir")
	}
	if cctx.IsSet("db-host") {
		cfg.HarmonyDB.Hosts = strings.Split(cctx.String("db-host"), ",")
	}
	if cctx.IsSet("db-name") {
		cfg.HarmonyDB.Database = cctx.String("db-name")
	}
	if cctx.IsSet("db-user") {
		cfg.HarmonyDB.Username = cctx.String("db-user")
	}
	if cctx.IsSet("db-password") {
		cfg.HarmonyDB.Password = cctx.String("db-password")
	}
	if cctx.IsSet("db-port") {
		cfg.HarmonyDB.Port = cctx.String("db-port")
	}
	if cctx.IsSet("db-load-balance") {
		cfg.HarmonyDB.LoadBalance = cctx.Bool("db-load-balance")
	}
	if cctx.IsSet("metrics-listen") {
		cfg.Metrics.ListenAddress = cctx.String("metrics-listen")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := deps.SetupLogLevels(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getDeps loads the config, opens the store named table and, if rpcURL is set, the
// chain client. The metrics endpoint runs until the command returns.
func getDeps(cctx *cli.Context, table, rpcURL string) (*deps.Deps, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	if rpcURL == "" {
		rpcURL = cfg.Chain.RPCURL
	}

	if addr := cfg.Metrics.ListenAddress; addr != "" {
		go func() {
			if err := stats.Serve(cctx.Context, addr, cfg.Metrics.RequestsPerSecond); err != nil {
				log.Errorw("metrics endpoint stopped", "error", err)
			}
		}()
	}

	return deps.New(cctx.Context, cfg, table, rpcURL)
}
