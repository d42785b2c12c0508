// Package dbtest connects tests to the YugabyteDB or Postgres named by
// CMTIDX_HARMONYDB_HOSTS. Every test gets its own schema, dropped at cleanup, so
// packages can share one database while running in parallel. Without the variable the
// calling test is skipped.
package dbtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmtidx/cmtidx/harmony/harmonydb"
)

const HostsEnv = "CMTIDX_HARMONYDB_HOSTS"

// Config returns the connection settings for a fresh, randomly named schema.
func Config(t *testing.T) harmonydb.Config {
	hosts := os.Getenv(HostsEnv)
	if hosts == "" {
		t.Skip(HostsEnv + " not set")
	}
	env := func(k, def string) string {
		if v := os.Getenv(k); v != "" {
			return v
		}
		return def
	}

	var id [6]byte
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	return harmonydb.Config{
		Hosts:    strings.Split(hosts, ","),
		Username: env("CMTIDX_HARMONYDB_USERNAME", "yugabyte"),
		Password: env("CMTIDX_HARMONYDB_PASSWORD", "yugabyte"),
		Database: env("CMTIDX_HARMONYDB_NAME", "yugabyte"),
		Port:     env("CMTIDX_HARMONYDB_PORT", "5433"),
		Schema:   "itest_" + hex.EncodeToString(id[:]),
	}
}

// NewDB connects to a fresh schema that is dropped when the test ends.
func NewDB(t *testing.T) (*harmonydb.DB, harmonydb.Config) {
	ctx := context.Background()
	cfg := Config(t)
	db, err := harmonydb.New(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		// the code under test may have closed the pool already
		db.Close()
		cleanup, err := harmonydb.New(ctx, cfg)
		if err != nil {
			t.Logf("reconnecting to drop %s: %s", cfg.Schema, err)
			return
		}
		if err := cleanup.DropSchema(ctx); err != nil {
			t.Logf("dropping %s: %s", cfg.Schema, err)
		}
	})
	return db, cfg
}
