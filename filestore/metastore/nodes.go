package metastore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

const nodeColumns = `
	id, backend_mount_id, path, name, depth, parent_id, kind, state,
	size_bytes, checksum, content_hash, metadata, version, consistency_state,
	created_at, updated_at, last_seen_at, last_modified_at,
	consistency_checked_at, last_reconciled_at`

// GetNodeByID loads a node by id. When forUpdate is true the row is locked
// with SELECT … FOR UPDATE so the caller can safely read-then-write it
// within the enclosing transaction (spec.md §4.1).
func (s *Store) GetNodeByID(ctx context.Context, tx *dbtx.Tx, id int64, forUpdate bool) (*types.Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1 AND state != 'deleted'`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	row := tx.QueryRow(ctx, q, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("node %d", id)
	}
	return node, err
}

// GetNodeByPath loads the single non-deleted (active, inconsistent or
// missing) node at
// (backendMountID, path), enforcing the at-most-one-live-node invariant
// (spec.md §3).
func (s *Store) GetNodeByPath(ctx context.Context, tx *dbtx.Tx, backendMountID int64, path string, forUpdate bool) (*types.Node, error) {
	q := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE backend_mount_id = $1 AND path = $2 AND state != 'deleted'`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	row := tx.QueryRow(ctx, q, backendMountID, path)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("node at path %q", path)
	}
	return node, err
}

// InsertNode creates a new node row. The caller is responsible for having
// verified the (backendMountId, path) uniqueness invariant within the same
// transaction (typically via GetNodeByPath FOR UPDATE on the parent).
func (s *Store) InsertNode(ctx context.Context, tx *dbtx.Tx, n *types.Node) (*types.Node, error) {
	metadataJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO nodes (
			backend_mount_id, path, name, depth, parent_id, kind, state,
			size_bytes, checksum, content_hash, metadata, version, consistency_state,
			created_at, updated_at, last_seen_at, last_modified_at,
			consistency_checked_at, last_reconciled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,now(),now(),now(),now(),now(),now())
		RETURNING `+nodeColumns,
		n.BackendMountID, n.Path, n.Name, n.Depth, n.ParentID, n.Kind, n.State,
		n.SizeBytes, n.Checksum, n.ContentHash, metadataJSON, n.ConsistencyState,
	)
	return scanNode(row)
}

// UpdateNodeState persists a new state/consistency pairing along with
// whatever size/checksum fields changed, bumping version. touchModified
// and touchReconciled control whether lastModifiedAt/lastReconciledAt are
// refreshed, since not every caller represents new content (e.g. a pure
// state transition during reconciliation does not imply a content
// modification). Used by C3 commands and the C5 reconciliation algorithm.
func (s *Store) UpdateNodeState(ctx context.Context, tx *dbtx.Tx, n *types.Node, touchModified, touchReconciled bool) (*types.Node, error) {
	metadataJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		UPDATE nodes SET
			path = $2, name = $3, depth = $4, parent_id = $5, kind = $6, state = $7,
			size_bytes = $8, checksum = $9, content_hash = $10, metadata = $11,
			version = version + 1, consistency_state = $12,
			updated_at = now(), last_seen_at = now(),
			last_modified_at = CASE WHEN $13 THEN now() ELSE last_modified_at END,
			consistency_checked_at = now(),
			last_reconciled_at = CASE WHEN $14 THEN now() ELSE last_reconciled_at END
		WHERE id = $1
		RETURNING `+nodeColumns,
		n.ID, n.Path, n.Name, n.Depth, n.ParentID, n.Kind, n.State,
		n.SizeBytes, n.Checksum, n.ContentHash, metadataJSON, n.ConsistencyState,
		touchModified, touchReconciled,
	)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("node %d", n.ID)
	}
	return scanNode(row)
}

// ListChildren returns the active immediate children of a directory node,
// used by rollup recalculation (spec.md §4.1 recalculateRollup).
func (s *Store) ListChildren(ctx context.Context, tx *dbtx.Tx, parentID int64) ([]*types.Node, error) {
	rows, err := tx.Query(ctx, `SELECT `+nodeColumns+` FROM nodes
		WHERE parent_id = $1 AND state = 'active' ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	return scanNodeRows(row)
}

func scanNodeRows(row rowScanner) (*types.Node, error) {
	var n types.Node
	var metadataJSON []byte
	if err := row.Scan(
		&n.ID, &n.BackendMountID, &n.Path, &n.Name, &n.Depth, &n.ParentID, &n.Kind, &n.State,
		&n.SizeBytes, &n.Checksum, &n.ContentHash, &metadataJSON, &n.Version, &n.ConsistencyState,
		&n.CreatedAt, &n.UpdatedAt, &n.LastSeenAt, &n.LastModifiedAt,
		&n.ConsistencyCheckedAt, &n.LastReconciledAt,
	); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &n.Metadata); err != nil {
			return nil, err
		}
	}
	return &n, nil
}
