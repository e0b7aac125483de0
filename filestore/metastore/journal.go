package metastore

import (
	"context"
	"database/sql"

	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// AppendJournal records a committed mutation. Callers must have already
// checked FindByIdempotencyKey within the same transaction when an
// idempotency key is present, so this never creates a duplicate entry
// for a replayed key (spec.md §3, §4.3).
func (s *Store) AppendJournal(ctx context.Context, tx *dbtx.Tx, e *types.JournalEntry) (*types.JournalEntry, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO journal_entries (node_id, backend_mount_id, command, payload, result, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, node_id, backend_mount_id, command, payload, result, idempotency_key, created_at`,
		e.NodeID, e.BackendMountID, e.Command, e.Payload, e.Result, e.IdempotencyKey)
	return scanJournal(row)
}

// FindByIdempotencyKey looks up a prior journal entry for (backendMountID,
// key). A nil, nil result means no replay is in flight.
func (s *Store) FindByIdempotencyKey(ctx context.Context, tx *dbtx.Tx, backendMountID int64, key string) (*types.JournalEntry, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, node_id, backend_mount_id, command, payload, result, idempotency_key, created_at
		FROM journal_entries WHERE backend_mount_id = $1 AND idempotency_key = $2
		ORDER BY id DESC LIMIT 1`, backendMountID, key)
	entry, err := scanJournal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func scanJournal(row rowScanner) (*types.JournalEntry, error) {
	var e types.JournalEntry
	if err := row.Scan(&e.ID, &e.NodeID, &e.BackendMountID, &e.Command, &e.Payload, &e.Result, &e.IdempotencyKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
