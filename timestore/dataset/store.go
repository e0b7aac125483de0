// Package dataset is the C1 metadata repository for the timestore core:
// datasets, schema versions, manifests, partitions, and staging batch
// bookkeeping (spec.md §4.1, §4.7-§4.8), mirroring filestore/metastore's
// transaction-scoped method shape over the same shared internal/dbtx
// primitives.
package dataset

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/internal/dbtx"
)

// Store is the typed repository façade over the shared dbtx primitives,
// scoped to timestore entities.
type Store struct {
	db  *dbtx.DB
	log *zap.Logger
}

// New wraps an already-opened database handle. The same *dbtx.DB may
// back both a filestore/metastore.Store and a dataset.Store, since both
// share one Postgres schema (spec.md §6 PG_SCHEMA).
func New(db *dbtx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// WithTransaction delegates to the underlying dbtx.DB.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error {
	return s.db.WithTransaction(ctx, fn)
}

// WithConnection delegates to the underlying dbtx.DB for read-only work.
func (s *Store) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return s.db.WithConnection(ctx, fn)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}
