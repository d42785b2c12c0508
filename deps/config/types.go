package config

import (
	"time"

	"github.com/cmtidx/cmtidx/lib/cmtevent"
)

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Kind: StoreLevelDB,
			Dir:  "~/.cmtidx",
		},
		HarmonyDB: HarmonyDBConfig{
			Hosts:    []string{"127.0.0.1"},
			Username: "yugabyte",
			Password: "yugabyte",
			Database: "yugabyte",
			Port:     "5433",
		},
		Chain: ChainConfig{
			Commitment:     "confirmed",
			Timeout:        Duration(30 * time.Second),
			BlockCacheSize: 4096,
		},
		Backfill: BackfillConfig{
			SignaturePageSize:  1000,
			TxParallelism:      8,
			RetryAttempts:      5,
			RetryMinBackoff:    Duration(500 * time.Millisecond),
			RetryMaxBackoff:    Duration(30 * time.Second),
			CompressionProgram: cmtevent.CompressionProgramID.String(),
			NoopProgram:        cmtevent.NoopProgramID.String(),
		},
		Repair: RepairConfig{
			MaxAttempts: 3,
		},
		Logging: Logging{
			SubsystemLevels: map[string]string{},
		},
		Metrics: MetricsConfig{
			RequestsPerSecond: 10,
		},
	}
}

type Config struct {
	Store     StoreConfig
	HarmonyDB HarmonyDBConfig
	Chain     ChainConfig
	Backfill  BackfillConfig
	Repair    RepairConfig
	Logging   Logging
	Metrics   MetricsConfig
}

const (
	StoreLevelDB   = "leveldb"
	StoreHarmonyDB = "harmonydb"
)

type StoreConfig struct {
	// Kind selects the changelog store, "leveldb" or "harmonydb".
	Kind string
	// Dir is where LevelDB stores live. Each table name is a directory below it.
	Dir string
	// Sync flushes every LevelDB batch to disk before returning.
	Sync bool
}

// HarmonyDBConfig is the connection to YugabyteDB or Postgres, used when Store.Kind is
// "harmonydb". The table name given on the command line becomes the schema.
type HarmonyDBConfig struct {
	Hosts       []string
	Username    string
	Password    string
	Database    string
	Port        string
	LoadBalance bool
}

type ChainConfig struct {
	// RPCURL is the JSON-RPC endpoint. The command line argument wins over it.
	RPCURL string
	// Commitment level passed to every call: processed, confirmed or finalized.
	Commitment string
	Timeout    Duration
	// BlockCacheSize is the number of blocks kept between repair attempts.
	BlockCacheSize int
}

type BackfillConfig struct {
	// SignaturePageSize is the page size of getSignaturesForAddress, at most 1000.
	SignaturePageSize int
	// TxParallelism bounds the transactions of one slot decoded at once.
	TxParallelism int

	RetryAttempts   int
	RetryMinBackoff Duration
	RetryMaxBackoff Duration

	// Program ids, overridable for test validators with custom deployments.
	CompressionProgram string
	NoopProgram        string
}

type RepairConfig struct {
	// MaxAttempts bounds the backfill and validate rounds before giving up.
	MaxAttempts int
}

// Logging is the logging system config
type Logging struct {
	// SubsystemLevels specify per-subsystem log levels
	SubsystemLevels map[string]string
}

type MetricsConfig struct {
	// ListenAddress serves /debug/metrics when set, e.g. "127.0.0.1:9464".
	ListenAddress string
	// RequestsPerSecond limits scrapes per client IP.
	RequestsPerSecond int
}
