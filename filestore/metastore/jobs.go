package metastore

import (
	"context"
	"database/sql"

	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

const jobColumns = `id, job_key, backend_mount_id, path, node_id, status, attempt, reason,
	detect_children, created_at, started_at, finished_at, error, result`

// InsertReconciliationJob creates a queued job row. Callers must verify
// under a row lock that no active (queued|running) job shares the same
// job_key, per spec.md §3's "at most one active job per jobKey" invariant
// — ActiveJobExists does that check.
func (s *Store) InsertReconciliationJob(ctx context.Context, tx *dbtx.Tx, j *types.ReconciliationJob) (*types.ReconciliationJob, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO reconciliation_jobs (job_key, backend_mount_id, path, node_id, status, attempt, reason, detect_children, created_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, now())
		RETURNING `+jobColumns,
		j.JobKey, j.BackendMountID, j.Path, j.NodeID, j.Attempt, j.Reason, j.DetectChildren)
	return scanJob(row)
}

// ActiveJobExists reports whether a queued or running job already owns
// jobKey, under a row lock within the caller's transaction.
func (s *Store) ActiveJobExists(ctx context.Context, tx *dbtx.Tx, jobKey string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM reconciliation_jobs
			WHERE job_key = $1 AND status IN ('queued', 'running')
			FOR UPDATE
		)`, jobKey).Scan(&exists)
	return exists, err
}

// UpdateJobStatus transitions a job record, stamping started/finished
// times and capturing any error/result payload.
func (s *Store) UpdateJobStatus(ctx context.Context, tx *dbtx.Tx, jobID int64, status types.JobStatus, errMsg *string, result []byte) (*types.ReconciliationJob, error) {
	row := tx.QueryRow(ctx, `
		UPDATE reconciliation_jobs SET
			status = $2,
			attempt = CASE WHEN $2 = 'running' THEN attempt + 1 ELSE attempt END,
			started_at = CASE WHEN $2 = 'running' THEN now() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('succeeded','failed','skipped','cancelled') THEN now() ELSE finished_at END,
			error = $3,
			result = $4
		WHERE id = $1
		RETURNING `+jobColumns, jobID, status, errMsg, result)
	return scanJob(row)
}

// ListAuditCandidates returns up to limit nodes in inconsistent or missing
// state, most-recently-updated first, for the periodic audit sweep
// (spec.md §4.5).
func (s *Store) ListAuditCandidates(ctx context.Context, tx *dbtx.Tx, limit int) ([]*types.Node, error) {
	rows, err := tx.Query(ctx, `SELECT `+nodeColumns+` FROM nodes
		WHERE state IN ('inconsistent', 'missing')
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
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

func scanJob(row rowScanner) (*types.ReconciliationJob, error) {
	var j types.ReconciliationJob
	err := row.Scan(&j.ID, &j.JobKey, &j.BackendMountID, &j.Path, &j.NodeID, &j.Status,
		&j.Attempt, &j.Reason, &j.DetectChildren, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		&j.Error, &j.Result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &j, err
}
