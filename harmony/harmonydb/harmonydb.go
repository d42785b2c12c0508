// Package harmonydb is the Postgres/YugabyteDB connection layer: a pgx pool bound to one
// schema, embedded schema migrations, query tracing and retry on serialization failures.
package harmonydb

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/yugabyte/pgx/v5"
	"github.com/yugabyte/pgx/v5/pgconn"
	"github.com/yugabyte/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

var logger = logging.Logger("cmtidx/harmonydb")

type DB struct {
	pgx       *pgxpool.Pool
	cfg       *pgxpool.Config
	schema    string
	hostnames []string
}

type Config struct {
	// Hosts running YugabyteDB or Postgres. Only 1 is required.
	Hosts []string
	// Blank values use the server defaults.
	Username string
	Password string
	Database string
	Port     string

	// LoadBalance spreads connections over all Hosts (YugabyteDB smart driver).
	LoadBalance bool

	// Schema holds the tables of one index; it is created on first use.
	Schema string
}

// New establishes the pool and brings the schema up to date. Call it once per binary.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if len(cfg.Hosts) == 0 {
		return nil, xerrors.Errorf("no hosts provided")
	}
	if !schemaRE.MatchString(cfg.Schema) {
		return nil, xerrors.Errorf("schema must match %s, got %q", schemaREString, cfg.Schema)
	}

	logger.Infow("connecting to database", "hosts", cfg.Hosts, "port", cfg.Port, "schema", cfg.Schema, "loadBalance", cfg.LoadBalance)

	connHost := fmt.Sprintf("%s:%s", cfg.Hosts[0], cfg.Port)
	if cfg.LoadBalance {
		pairs := make([]string, len(cfg.Hosts))
		for i, h := range cfg.Hosts {
			pairs[i] = fmt.Sprintf("%s:%s", h, cfg.Port)
		}
		connHost = strings.Join(pairs, ",")
	}

	connString := fmt.Sprintf("postgresql://%s:%s@%s/%s?sslmode=disable", cfg.Username, cfg.Password, connHost, cfg.Database)
	if cfg.LoadBalance {
		connString += "&load_balance=true"
	} else {
		// keep the driver on the configured host instead of discovering cluster-internal addresses
		connString += "&load_balance=false&fallback_to_topology_keys_only=true"
	}

	if err := ensureSchemaExists(ctx, connString, cfg.Schema); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(connString + "&search_path=" + cfg.Schema)
	if err != nil {
		return nil, xerrors.Errorf("parsing connection config: %w", err)
	}
	if !cfg.LoadBalance {
		port, err := strconv.ParseUint(cfg.Port, 10, 16)
		if err != nil {
			return nil, xerrors.Errorf("invalid port: %w", err)
		}
		pcfg.ConnConfig.Host = cfg.Hosts[0]
		pcfg.ConnConfig.Port = uint16(port)
	}
	pcfg.ConnConfig.OnNotice = func(conn *pgconn.PgConn, n *pgconn.Notice) {
		logger.Debug("database notice: " + n.Message + ": " + n.Detail)
		DBMeasures.Errors.M(1)
	}

	db := &DB{cfg: pcfg, schema: cfg.Schema, hostnames: cfg.Hosts}
	if err := db.addStatsAndConnect(ctx); err != nil {
		return nil, err
	}
	if err := db.upgrade(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Schema() string {
	return db.schema
}

// Close releases the pool. It is safe to call more than once.
func (db *DB) Close() {
	if db == nil || db.pgx == nil {
		return
	}
	db.pgx.Close()
	db.pgx = nil
}

// DropSchema removes the schema with everything in it and closes the pool.
func (db *DB) DropSchema(ctx context.Context) error {
	defer db.Close()
	_, err := db.pgx.Exec(ctx, "DROP SCHEMA "+db.schema+" CASCADE")
	return err
}

type tracer struct{}

type ctxkey string

const (
	sqlStart  = ctxkey("sqlStart")
	sqlString = ctxkey("sqlString")
)

var slowQueryThreshold = 5 * time.Second

func (t tracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(context.WithValue(ctx, sqlStart, time.Now()), sqlString, data.SQL)
}

func (t tracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	DBMeasures.Hits.M(1)
	ms := time.Since(ctx.Value(sqlStart).(time.Time)).Milliseconds()
	DBMeasures.TotalWait.M(ms)
	DBMeasures.Waits.M(float64(ms))
	if data.Err != nil {
		DBMeasures.Errors.M(1)
	}

	kv := []any{
		"query", ctx.Value(sqlString).(string),
		"err", data.Err,
		"rowCt", data.CommandTag.RowsAffected(),
		"milliseconds", ms,
	}
	if ms > slowQueryThreshold.Milliseconds() {
		logger.Warnw("Slow SQL run", kv...)
		return
	}
	logger.Debugw("SQL run", kv...)
}

func (db *DB) addStatsAndConnect(ctx context.Context) error {
	db.cfg.ConnConfig.Tracer = tracer{}

	hostIndex := map[string]int64{}
	for i, h := range db.hostnames {
		hostIndex[h] = int64(i)
	}
	db.cfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		DBMeasures.OpenConnections.M(int64(db.pgx.Stat().TotalConns()))
		DBMeasures.WhichHost.M(hostIndex[c.Config().Host])
		return nil
	}

	// fail fast when the database is down
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var err error
	db.pgx, err = pgxpool.NewWithConfig(ctx, db.cfg)
	if err != nil {
		return xerrors.Errorf("unable to connect to database: %w", err)
	}
	if err := db.pgx.Ping(ctx); err != nil {
		db.pgx.Close()
		return xerrors.Errorf("pinging database: %w", err)
	}
	return nil
}

const schemaREString = "^[A-Za-z_][A-Za-z0-9_]{0,62}$"

var schemaRE = regexp.MustCompile(schemaREString)

func ensureSchemaExists(ctx context.Context, connString, schema string) error {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	p, err := pgx.Connect(cctx, connString)
	if err != nil {
		return xerrors.Errorf("unable to connect to db: %w", err)
	}
	defer func() { _ = p.Close(context.Background()) }()

	_, err = backoffForSerializationError(func() (pgconn.CommandTag, error) {
		return p.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
	})
	if err != nil {
		return xerrors.Errorf("cannot create schema: %w", err)
	}
	return nil
}

//go:embed sql
var upgradeFS embed.FS

// upgrade applies every embedded sql/ file not yet recorded in the base table. Files are
// applied in name order and recorded by their YYYYMMDD prefix.
func (db *DB) upgrade(ctx context.Context) error {
	_, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS base (
		id SERIAL PRIMARY KEY,
		entry CHAR(12),
		applied TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return xerrors.Errorf("cannot create base table: %w", err)
	}

	landed := map[string]bool{}
	var entries []struct{ Entry string }
	if err := db.Select(ctx, &entries, "SELECT entry FROM base"); err != nil {
		return xerrors.Errorf("cannot read entries: %w", err)
	}
	for _, l := range entries {
		landed[strings.TrimSpace(l.Entry)[:8]] = true
	}

	dir, err := upgradeFS.ReadDir("sql")
	if err != nil {
		return xerrors.Errorf("reading migrations: %w", err)
	}
	sort.Slice(dir, func(i, j int) bool { return dir[i].Name() < dir[j].Name() })

	for _, e := range dir {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			logger.Debugw("skipping non-sql migration entry", "name", name)
			continue
		}
		if landed[name[:8]] {
			logger.Debugw("migration already applied", "file", name)
			continue
		}
		file, err := upgradeFS.ReadFile("sql/" + name)
		if err != nil {
			return xerrors.Errorf("reading %s: %w", name, err)
		}

		logger.Infow("Upgrading", "schema", db.schema, "file", name, "size", len(file))

		var megaSQL strings.Builder
		for _, s := range parseSQLStatements(string(file)) {
			megaSQL.WriteString(s)
			if !strings.HasSuffix(strings.TrimSpace(s), ";") {
				megaSQL.WriteString(";")
			}
		}
		if _, err := db.Exec(ctx, rawStringOnly(megaSQL.String())); err != nil {
			return xerrors.Errorf("could not upgrade (%s): %w", name, err)
		}
		if _, err := db.Exec(ctx, "INSERT INTO base (entry) VALUES ($1)", name[:8]); err != nil {
			return xerrors.Errorf("cannot insert into base: %w", err)
		}
	}
	return nil
}

// parseSQLStatements splits a migration file into statements, keeping $$-quoted function
// bodies whole and dropping comment lines.
func parseSQLStatements(sqlContent string) []string {
	var (
		statements []string
		cur        strings.Builder
		inFunction bool
	)

	for _, line := range strings.Split(sqlContent, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		dollar := strings.Count(trimmed, "$$")
		if dollar%2 == 1 {
			inFunction = !inFunction
		}

		cur.WriteString(line + "\n")

		if !inFunction && strings.HasSuffix(trimmed, ";") {
			statements = append(statements, cur.String())
			cur.Reset()
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		statements = append(statements, cur.String())
	}
	return statements
}
