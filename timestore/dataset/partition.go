package dataset

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

const partitionColumns = `
	id, manifest_id, dataset_id, storage_target_id, partition_key, partition_attributes,
	file_format, file_path, file_size_bytes, row_count, checksum, start_time, end_time,
	column_stats, bloom_filters, histograms, ingestion_signature, created_at`

// InsertPartition persists a newly flushed partition file's metadata.
// Callers must have already verified the (datasetId, partitionKey)
// ingestionSignature uniqueness invariant (spec.md §3) within the same
// transaction.
func (s *Store) InsertPartition(ctx context.Context, tx *dbtx.Tx, p *types.Partition) (*types.Partition, error) {
	keyJSON, err := json.Marshal(p.PartitionKey)
	if err != nil {
		return nil, err
	}
	attrsJSON, err := json.Marshal(p.PartitionAttributes)
	if err != nil {
		return nil, err
	}
	statsJSON, err := json.Marshal(p.ColumnStats)
	if err != nil {
		return nil, err
	}
	bloomJSON, err := json.Marshal(p.BloomFilters)
	if err != nil {
		return nil, err
	}
	histJSON, err := json.Marshal(p.Histograms)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO dataset_partitions (
			id, manifest_id, dataset_id, storage_target_id, partition_key, partition_attributes,
			file_format, file_path, file_size_bytes, row_count, checksum, start_time, end_time,
			column_stats, bloom_filters, histograms, ingestion_signature, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
		RETURNING `+partitionColumns,
		p.ID, p.ManifestID, p.DatasetID, p.StorageTargetID, keyJSON, attrsJSON,
		p.FileFormat, p.FilePath, p.FileSizeBytes, p.RowCount, p.Checksum, p.TimeRange.Start, p.TimeRange.End,
		statsJSON, bloomJSON, histJSON, p.IngestionSignature,
	)
	return scanPartition(row)
}

// FindByIngestionSignature returns the partition already flushed for
// (datasetID, signature), or filestore.ErrNotFound if none — used to
// detect and skip replayed flushes (spec.md §4.7 step 4, Recovery note).
func (s *Store) FindByIngestionSignature(ctx context.Context, tx *dbtx.Tx, datasetID int64, signature string) (*types.Partition, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+partitionColumns+` FROM dataset_partitions
		WHERE dataset_id = $1 AND ingestion_signature = $2`, datasetID, signature)
	p, err := scanPartition(row)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("no partition for signature %q", signature)
	}
	return p, err
}

// ListPartitionsForManifest loads every partition belonging to
// manifestID, ordered by startTime then id for deterministic plan output
// (spec.md §4.8 step 5).
func (s *Store) ListPartitionsForManifest(ctx context.Context, tx *dbtx.Tx, manifestID int64) ([]*types.Partition, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+partitionColumns+` FROM dataset_partitions
		WHERE manifest_id = $1 ORDER BY start_time ASC, id ASC`, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPartition(row rowScanner) (*types.Partition, error) {
	var p types.Partition
	var keyJSON, attrsJSON, statsJSON, bloomJSON, histJSON []byte
	if err := row.Scan(
		&p.ID, &p.ManifestID, &p.DatasetID, &p.StorageTargetID, &keyJSON, &attrsJSON,
		&p.FileFormat, &p.FilePath, &p.FileSizeBytes, &p.RowCount, &p.Checksum, &p.TimeRange.Start, &p.TimeRange.End,
		&statsJSON, &bloomJSON, &histJSON, &p.IngestionSignature, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(keyJSON) > 0 {
		if err := json.Unmarshal(keyJSON, &p.PartitionKey); err != nil {
			return nil, err
		}
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &p.PartitionAttributes); err != nil {
			return nil, err
		}
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &p.ColumnStats); err != nil {
			return nil, err
		}
	}
	if len(bloomJSON) > 0 {
		if err := json.Unmarshal(bloomJSON, &p.BloomFilters); err != nil {
			return nil, err
		}
	}
	if len(histJSON) > 0 {
		if err := json.Unmarshal(histJSON, &p.Histograms); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
