// Package metastore is the C1 metadata store for the filestore core: a
// transactional SQL repository for nodes, rollups, the mutation journal,
// and reconciliation job records (spec.md §4.1).
package metastore

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/internal/dbtx"
)

// Store is the typed repository façade over the shared dbtx primitives.
// Every mutating operation must be called from inside a WithTransaction
// callback; read-only lookups may also run via WithConnection.
type Store struct {
	db  *dbtx.DB
	log *zap.Logger
}

// New wraps an already-opened database handle.
func New(db *dbtx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// WithTransaction delegates to the underlying dbtx.DB, giving callers a
// *dbtx.Tx to pass into the repository methods below.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error {
	return s.db.WithTransaction(ctx, fn)
}

// WithConnection delegates to the underlying dbtx.DB for read-only work.
func (s *Store) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return s.db.WithConnection(ctx, fn)
}
