package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[Store]
  Kind = "harmonydb"

[HarmonyDB]
  Hosts = ["db1", "db2"]
  LoadBalance = true

[Chain]
  RPCURL = "http://localhost:8899"
  Timeout = "5s"

[Repair]
  MaxAttempts = 7

[Logging.SubsystemLevels]
  "cmtidx/backfill" = "debug"
`), 0644))

	cfg, err := FromFile(p)
	require.NoError(t, err)
	require.Equal(t, StoreHarmonyDB, cfg.Store.Kind)
	require.Equal(t, []string{"db1", "db2"}, cfg.HarmonyDB.Hosts)
	require.True(t, cfg.HarmonyDB.LoadBalance)
	require.Equal(t, "yugabyte", cfg.HarmonyDB.Username)
	require.Equal(t, "http://localhost:8899", cfg.Chain.RPCURL)
	require.Equal(t, 5*time.Second, cfg.Chain.Timeout.Std())
	require.Equal(t, 7, cfg.Repair.MaxAttempts)
	require.Equal(t, "debug", cfg.Logging.SubsystemLevels["cmtidx/backfill"])
	require.Equal(t, 1000, cfg.Backfill.SignaturePageSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CMTIDX_CHAIN_RPCURL", "http://rpc.example:8899")
	t.Setenv("CMTIDX_BACKFILL_TXPARALLELISM", "3")
	t.Setenv("CMTIDX_BACKFILL_RETRYMAXBACKOFF", "1m")
	t.Setenv("CMTIDX_HARMONYDB_HOSTS", "a,b,c")

	cfg, err := FromReader(strings.NewReader(`
[Chain]
  RPCURL = "http://from-file"
`), DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, "http://rpc.example:8899", cfg.Chain.RPCURL)
	require.Equal(t, 3, cfg.Backfill.TxParallelism)
	require.Equal(t, time.Minute, cfg.Backfill.RetryMaxBackoff.Std())
	require.Equal(t, []string{"a", "b", "c"}, cfg.HarmonyDB.Hosts)
}

func TestValidate(t *testing.T) {
	_, err := FromReader(strings.NewReader(`[Store]
Kind = "rocksdb"`), DefaultConfig())
	require.ErrorContains(t, err, "unknown store kind")

	_, err = FromReader(strings.NewReader(`[Backfill]
SignaturePageSize = 5000`), DefaultConfig())
	require.ErrorContains(t, err, "out of range")

	_, err = FromReader(strings.NewReader(`[Chain]
Timeout = "soon"`), DefaultConfig())
	require.Error(t, err)
}

func TestEncode(t *testing.T) {
	def := DefaultConfig()
	text, err := Encode(def, false)
	require.NoError(t, err)

	back, err := FromReader(strings.NewReader(string(text)), &Config{})
	require.NoError(t, err)
	require.Equal(t, def.Store, back.Store)
	require.Equal(t, def.HarmonyDB, back.HarmonyDB)
	require.Equal(t, def.Chain, back.Chain)
	require.Equal(t, def.Backfill, back.Backfill)
	require.Equal(t, def.Repair, back.Repair)
	require.Equal(t, def.Metrics, back.Metrics)

	cfg := DefaultConfig()
	cfg.Repair.MaxAttempts = 9
	text, err = Encode(cfg, true)
	require.NoError(t, err)
	s := string(text)
	require.Contains(t, s, "[Repair]")
	require.Contains(t, s, "  MaxAttempts = 9")
	require.Contains(t, s, "#TxParallelism = 8")
	require.NotContains(t, s, "#MaxAttempts")
}
