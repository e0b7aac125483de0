package metastore

import (
	"context"
	"database/sql"

	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

const rollupColumns = `node_id, size_bytes, file_count, directory_count, child_count, state, last_calculated_at, version`

// EnsureRollup creates a rollup row for nodeID if missing, with
// state=pending and zeroed counters (spec.md §4.1 ensureRollup). It is
// idempotent: calling it twice is safe and returns the existing row the
// second time.
func (s *Store) EnsureRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64) (*types.Rollup, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO rollups (node_id, size_bytes, file_count, directory_count, child_count, state, last_calculated_at, version)
		VALUES ($1, 0, 0, 0, 0, 'pending', now(), 0)
		ON CONFLICT (node_id) DO UPDATE SET node_id = rollups.node_id
		RETURNING `+rollupColumns, nodeID)
	return scanRollup(row)
}

// GetRollup loads a rollup row, optionally locking it for update. Row
// locks on rollups must always be acquired in ascending node-id order by
// callers applying a multi-node plan, to avoid deadlocks (spec.md §4.4).
func (s *Store) GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error) {
	q := `SELECT ` + rollupColumns + ` FROM rollups WHERE node_id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	return scanRollup(tx.QueryRow(ctx, q, nodeID))
}

// ApplyDelta applies a signed adjustment to a rollup's counters under the
// row lock GetRollup(forUpdate=true) would also take; callers are
// expected to have already locked the row in the same transaction.
func (s *Store) ApplyDelta(ctx context.Context, tx *dbtx.Tx, d types.Delta) (*types.Rollup, error) {
	state := "state"
	if d.MarkPending {
		state = "'pending'"
	}
	row := tx.QueryRow(ctx, `
		UPDATE rollups SET
			size_bytes = size_bytes + $2,
			file_count = file_count + $3,
			directory_count = directory_count + $4,
			child_count = child_count + $5,
			state = `+state+`,
			version = version + 1
		WHERE node_id = $1
		RETURNING `+rollupColumns,
		d.NodeID, d.SizeBytesDelta, d.FileCountDelta, d.DirectoryCountDelta, d.ChildCountDelta)
	return scanRollup(row)
}

// SetState transitions a rollup's freshness state without touching its
// counters (used for invalidate-on-descendant-inconsistency, SPEC_FULL.md
// §D decision 3).
func (s *Store) SetState(ctx context.Context, tx *dbtx.Tx, nodeID int64, state types.RollupState) (*types.Rollup, error) {
	row := tx.QueryRow(ctx, `
		UPDATE rollups SET state = $2, version = version + 1
		WHERE node_id = $1
		RETURNING `+rollupColumns, nodeID, state)
	return scanRollup(row)
}

// RecalculateRollup recomputes a node's aggregate from its own
// contribution plus the sum of its active children's rollups (spec.md
// §4.1). A child with no rollup row contributes zero. A child whose
// rollup is pending or invalid is not zeroed: its stored counters and its
// own contribution are still summed in. Either case marks the recomputed
// rollup pending rather than up_to_date. It returns the new rollup and the node's
// parent id (nil at the tree root) so the caller can cascade.
func (s *Store) RecalculateRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64) (*types.Rollup, *int64, error) {
	node, err := s.GetNodeByID(ctx, tx, nodeID, false)
	if err != nil {
		return nil, nil, err
	}

	var sizeBytes, fileCount, directoryCount, childCount int64
	anyChildNotFresh := false

	if node.Kind == types.KindDirectory {
		children, err := s.ListChildren(ctx, tx, nodeID)
		if err != nil {
			return nil, nil, err
		}
		childCount = int64(len(children))
		for _, child := range children {
			childRollup, err := s.GetRollup(ctx, tx, child.ID, false)
			if err == sql.ErrNoRows {
				anyChildNotFresh = true
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			if childRollup.State != types.RollupUpToDate {
				anyChildNotFresh = true
			}
			sizeBytes += childRollup.SizeBytes
			fileCount += childRollup.FileCount
			directoryCount += childRollup.DirectoryCount
			if child.Kind == types.KindFile {
				fileCount++
				sizeBytes += child.SizeBytes
			} else {
				directoryCount++
			}
		}
	}

	newState := types.RollupUpToDate
	if anyChildNotFresh {
		newState = types.RollupPending
	}

	row := tx.QueryRow(ctx, `
		UPDATE rollups SET
			size_bytes = $2, file_count = $3, directory_count = $4, child_count = $5,
			state = $6, last_calculated_at = now(), version = version + 1
		WHERE node_id = $1
		RETURNING `+rollupColumns,
		nodeID, sizeBytes, fileCount, directoryCount, childCount, newState)
	rollup, err := scanRollup(row)
	if err != nil {
		return nil, nil, err
	}
	return rollup, node.ParentID, nil
}

func scanRollup(row rowScanner) (*types.Rollup, error) {
	var r types.Rollup
	if err := row.Scan(&r.NodeID, &r.SizeBytes, &r.FileCount, &r.DirectoryCount,
		&r.ChildCount, &r.State, &r.LastCalculatedAt, &r.Version); err != nil {
		return nil, err
	}
	return &r, nil
}
