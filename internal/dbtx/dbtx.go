// Package dbtx provides the opaque withTransaction/withConnection
// primitives spec.md §4.1 requires of the metadata store, on top of
// database/sql and the lib/pq Postgres driver. It is shared by
// filestore/metastore and timestore/dataset so both cores get the same
// row-locking discipline. A failed transaction is rolled back and its
// error returned; nothing here retries it.
package dbtx

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" driver
	"go.uber.org/zap"
)

// DB wraps a *sql.DB with the transaction helpers the rest of the core
// relies on. It never exposes the raw *sql.DB to callers outside this
// package, mirroring the teacher's tagsql handle-wrapping approach.
type DB struct {
	sql *sql.DB
	log *zap.Logger
}

// Open connects to Postgres using dsn (spec.md §6 DATABASE_URL) and
// configures the pool per PGPOOL_MAX.
func Open(log *zap.Logger, dsn string, poolMax int) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbtx: open: %w", err)
	}
	if poolMax <= 0 {
		poolMax = 10
	}
	sqlDB.SetMaxOpenConns(poolMax)
	sqlDB.SetMaxIdleConns(poolMax)
	return &DB{sql: sqlDB, log: log}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Tx is the handle passed into withTransaction callbacks. Repository
// functions are methods on Tx (or free functions taking one) so they can
// only run inside a transaction scope, never on a bare connection.
type Tx struct {
	tx *sql.Tx
}

// Exec and Query are exposed so repository code in metastore/dataset can
// issue statements without this package knowing their schema.
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a query returning rows within the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// WithTransaction runs fn inside a single SQL transaction. Any row locks
// fn acquires (via "SELECT … FOR UPDATE") are released on commit or
// rollback, never held across a suspension point outside this call, per
// spec.md §5's shared-resource policy. A panic inside fn rolls back and
// repropagates.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbtx: begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				d.log.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
			}
			return
		}
		err = sqlTx.Commit()
	}()

	err = fn(ctx, &Tx{tx: sqlTx})
	return err
}

// WithConnection runs fn against a connection without opening an explicit
// transaction, for read-only operations that don't need row locks.
func (d *DB) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := d.sql.Conn(ctx)
	if err != nil {
		return fmt.Errorf("dbtx: conn: %w", err)
	}
	defer func() { _ = conn.Close() }()
	return fn(ctx, conn)
}
