package harmonydb

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/dbscan"
	"github.com/jackc/pgerrcode"
	"github.com/samber/lo"
	"github.com/yugabyte/pgx/v5"
	"github.com/yugabyte/pgx/v5/pgconn"
	"golang.org/x/xerrors"
)

// rawStringOnly keeps callers from building SQL out of variables: only untyped string
// constants convert implicitly. Pass values as arguments instead.
type rawStringOnly string

// Exec runs a statement that returns no rows and reports the number of rows affected.
// Serialization failures are retried with backoff.
func (db *DB) Exec(ctx context.Context, sql rawStringOnly, arguments ...any) (count int, err error) {
	res, err := backoffForSerializationError(func() (pgconn.CommandTag, error) {
		return db.pgx.Exec(ctx, string(sql), arguments...)
	})
	return int(res.RowsAffected()), err
}

type Qry interface {
	Next() bool
	Err() error
	Close()
	Scan(...any) error
	Values() ([]any, error)
}

// Query offers Next/Err/Close/Scan/Values. Always Close it.
type Query struct {
	Qry
}

func (db *DB) Query(ctx context.Context, sql rawStringOnly, arguments ...any) (*Query, error) {
	q, err := db.pgx.Query(ctx, string(sql), arguments...)
	return &Query{q}, err
}

// StructScan scans the current row into a struct pointer by column name.
func (q *Query) StructScan(s any) error {
	return dbscan.ScanRow(s, dbscanRows{q.Qry.(pgx.Rows)})
}

type Row interface {
	Scan(...any) error
}

// QueryRow errors with pgx.ErrNoRows at Scan time when nothing matched.
func (db *DB) QueryRow(ctx context.Context, sql rawStringOnly, arguments ...any) Row {
	return db.pgx.QueryRow(ctx, string(sql), arguments...)
}

// Select scans every row into a slice of structs. Columns map to fields by name
// (snake_case) or `db` tag.
func (db *DB) Select(ctx context.Context, sliceOfStructPtr any, sql rawStringOnly, arguments ...any) error {
	rows, err := db.pgx.Query(ctx, string(sql), arguments...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return dbscan.ScanAll(sliceOfStructPtr, dbscanRows{rows})
}

type dbscanRows struct {
	pgx.Rows
}

func (d dbscanRows) Close() error {
	d.Rows.Close()
	return nil
}

func (d dbscanRows) Columns() ([]string, error) {
	return lo.Map(d.Rows.FieldDescriptions(), func(fd pgconn.FieldDescription, _ int) string {
		return fd.Name
	}), nil
}

func (d dbscanRows) NextResultSet() bool {
	return false
}

type Tx struct {
	pgx.Tx
	ctx context.Context
}

type TransactionOptions struct {
	RetrySerializationError bool
}

type TransactionOption func(*TransactionOptions)

// OptionRetry reruns the whole transaction function when it fails to serialize.
func OptionRetry() TransactionOption {
	return func(o *TransactionOptions) {
		o.RetrySerializationError = true
	}
}

// BeginTransaction runs f in a transaction that commits when f returns (true, nil) and
// rolls back otherwise. Statements inside a transaction are not retried individually:
// a serialization failure aborts the transaction, so OptionRetry reruns all of f.
func (db *DB) BeginTransaction(ctx context.Context, f func(*Tx) (commit bool, err error), opt ...TransactionOption) (didCommit bool, retErr error) {
	var opts TransactionOptions
	for _, o := range opt {
		o(&opts)
	}

	if opts.RetrySerializationError {
		return backoffForSerializationError(func() (bool, error) {
			return db.transactionInner(ctx, f, opts)
		})
	}
	return db.transactionInner(ctx, f, opts)
}

func (db *DB) transactionInner(ctx context.Context, f func(*Tx) (bool, error), opts TransactionOptions) (didCommit bool, retErr error) {
	tx, err := db.pgx.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	var commit bool
	defer func() {
		if !commit {
			rerr := tx.Rollback(ctx)
			if rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				if retErr == nil {
					retErr = xerrors.Errorf("rollback: %w", rerr)
				} else {
					logger.Warnw("rollback failed", "error", rerr, "cause", retErr)
				}
			}
		}
	}()

	commit, err = f(&Tx{tx, ctx})
	if err != nil {
		commit = false
		return false, err
	}
	if commit {
		if err := tx.Commit(ctx); err != nil {
			// a failed commit has already ended the transaction
			commit = true
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (t *Tx) Exec(sql rawStringOnly, arguments ...any) (count int, err error) {
	res, err := t.Tx.Exec(t.ctx, string(sql), arguments...)
	return int(res.RowsAffected()), err
}

// SendBatch queues every statement of b in one round trip and reads all results.
func (t *Tx) SendBatch(b *pgx.Batch) error {
	return t.Tx.SendBatch(t.ctx, b).Close()
}

func IsErrUniqueContraint(err error) bool {
	var e2 *pgconn.PgError
	return errors.As(err, &e2) && e2.Code == pgerrcode.UniqueViolation
}

func IsErrSerialization(err error) bool {
	var e2 *pgconn.PgError
	return errors.As(err, &e2) && e2.Code == pgerrcode.SerializationFailure
}

const InitialSerializationErrorRetryWait = 5 * time.Second

var backoffs = lo.Map([]int{200, 400, 600, 600, 600, 1000, 2000}, func(ms int, _ int) time.Duration {
	return time.Duration(ms) * time.Millisecond
})

func backoffForSerializationError[T any](f func() (T, error)) (whatever T, err error) {
	for _, b := range backoffs {
		var res T
		res, err = f()
		if !IsErrSerialization(err) {
			return res, err
		}
		DBMeasures.SerializationRetries.M(1)
		time.Sleep(b)
	}
	return whatever, xerrors.Errorf("failed after %d attempts: %w", len(backoffs), err)
}
