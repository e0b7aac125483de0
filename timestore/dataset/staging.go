package dataset

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

const stagingColumns = `
	id, dataset_id, table_name, schema_version_id, partition_key, partition_attributes,
	start_time, end_time, ingestion_signature, status, row_count, byte_count, received_at, updated_at`

// GetOpenStagingBatch returns the open batch for (datasetID, signature),
// or filestore.ErrNotFound (spec.md §4.7 step 4 "open or reuse a staging
// batch").
func (s *Store) GetOpenStagingBatch(ctx context.Context, tx *dbtx.Tx, datasetID int64, signature string, forUpdate bool) (*types.StagingBatch, error) {
	q := `SELECT ` + stagingColumns + ` FROM staging_batches
		WHERE dataset_id = $1 AND ingestion_signature = $2 AND status = 'open'`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	b, err := scanStagingBatch(tx.QueryRow(ctx, q, datasetID, signature))
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("no open staging batch for signature %q", signature)
	}
	return b, err
}

// InsertStagingBatch opens a new batch.
func (s *Store) InsertStagingBatch(ctx context.Context, tx *dbtx.Tx, b *types.StagingBatch) (*types.StagingBatch, error) {
	keyJSON, err := json.Marshal(b.PartitionKey)
	if err != nil {
		return nil, err
	}
	attrsJSON, err := json.Marshal(b.PartitionAttributes)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO staging_batches (
			dataset_id, table_name, schema_version_id, partition_key, partition_attributes,
			start_time, end_time, ingestion_signature, status, row_count, byte_count, received_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'open',0,0,$9,now())
		RETURNING `+stagingColumns,
		b.DatasetID, b.TableName, b.SchemaVersionID, keyJSON, attrsJSON,
		b.TimeRange.Start, b.TimeRange.End, b.IngestionSignature, b.ReceivedAt)
	return scanStagingBatch(row)
}

// AddRows bumps a batch's accumulated row/byte counters after rows are
// appended to the spool.
func (s *Store) AddRows(ctx context.Context, tx *dbtx.Tx, batchID int64, rowDelta, byteDelta int64) (*types.StagingBatch, error) {
	row := tx.QueryRow(ctx, `
		UPDATE staging_batches SET
			row_count = row_count + $2, byte_count = byte_count + $3, updated_at = now()
		WHERE id = $1
		RETURNING `+stagingColumns, batchID, rowDelta, byteDelta)
	return scanStagingBatch(row)
}

// MarkFlushing transitions a batch to flushing immediately before its
// rows are written out as a partition (spec.md §3 "open → flushing").
func (s *Store) MarkFlushing(ctx context.Context, tx *dbtx.Tx, batchID int64) (*types.StagingBatch, error) {
	row := tx.QueryRow(ctx, `
		UPDATE staging_batches SET status = 'flushing', updated_at = now()
		WHERE id = $1 RETURNING `+stagingColumns, batchID)
	return scanStagingBatch(row)
}

// DeleteFlushed removes a batch's bookkeeping row once its partition has
// committed (spec.md §3 "flushed (deleted)").
func (s *Store) DeleteFlushed(ctx context.Context, tx *dbtx.Tx, batchID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM staging_batches WHERE id = $1 AND status = 'flushing'`, batchID)
	return err
}

// ListFlushable returns every batch whose policy-relevant fields the
// caller can evaluate against a flush policy (spec.md §4.7 step 6).
func (s *Store) ListFlushable(ctx context.Context, tx *dbtx.Tx) ([]*types.StagingBatch, error) {
	rows, err := tx.Query(ctx, `SELECT `+stagingColumns+` FROM staging_batches WHERE status = 'open' ORDER BY received_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.StagingBatch
	for rows.Next() {
		b, err := scanStagingBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanStagingBatch(row rowScanner) (*types.StagingBatch, error) {
	var b types.StagingBatch
	var keyJSON, attrsJSON []byte
	if err := row.Scan(
		&b.ID, &b.DatasetID, &b.TableName, &b.SchemaVersionID, &keyJSON, &attrsJSON,
		&b.TimeRange.Start, &b.TimeRange.End, &b.IngestionSignature, &b.Status,
		&b.RowCount, &b.ByteCount, &b.ReceivedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(keyJSON) > 0 {
		if err := json.Unmarshal(keyJSON, &b.PartitionKey); err != nil {
			return nil, err
		}
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &b.PartitionAttributes); err != nil {
			return nil, err
		}
	}
	return &b, nil
}
