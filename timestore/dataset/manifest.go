package dataset

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

const manifestColumns = `id, dataset_id, shard, version, status, schema_version_id, partition_ids, row_count, byte_size, start_time, end_time, created_at`

// GetManifestForShard returns the current (highest-version, non-
// superseded) manifest for (datasetID, shard), or filestore.ErrNotFound
// if none exists yet (spec.md §4.7 step 6 "Selects the manifest for
// shard").
func (s *Store) GetManifestForShard(ctx context.Context, tx *dbtx.Tx, datasetID int64, shard time.Time, forUpdate bool) (*types.Manifest, error) {
	q := `SELECT ` + manifestColumns + ` FROM dataset_manifests
		WHERE dataset_id = $1 AND shard = $2 AND status != 'superseded'
		ORDER BY version DESC LIMIT 1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	m, err := scanManifest(tx.QueryRow(ctx, q, datasetID, shard.UTC().Truncate(24*time.Hour)))
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("no manifest for dataset %d shard %s", datasetID, shard.Format("2006-01-02"))
	}
	return m, err
}

// InsertManifest creates the first manifest version for a shard.
func (s *Store) InsertManifest(ctx context.Context, tx *dbtx.Tx, m *types.Manifest) (*types.Manifest, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO dataset_manifests (
			dataset_id, shard, version, status, schema_version_id, partition_ids,
			row_count, byte_size, start_time, end_time, created_at
		) VALUES ($1,$2,1,$3,$4,$5,$6,$7,$8,$9,now())
		RETURNING `+manifestColumns,
		m.DatasetID, m.Shard.UTC().Truncate(24*time.Hour), m.Status, m.SchemaVersionID, pq.Array(m.PartitionIDs),
		m.Summary.RowCount, m.Summary.ByteSize, m.Summary.StartTime, m.Summary.EndTime)
	return scanManifest(row)
}

// AppendPartition adds partitionID to an existing manifest and widens its
// summary, returning the updated manifest. Manifests are never rewritten
// in place beyond this additive append (spec.md §3 "never move or
// split").
func (s *Store) AppendPartition(ctx context.Context, tx *dbtx.Tx, manifestID int64, partitionID string, rowCount, byteSize int64, tr types.TimeRange) (*types.Manifest, error) {
	row := tx.QueryRow(ctx, `
		UPDATE dataset_manifests SET
			partition_ids = array_append(partition_ids, $2),
			row_count = row_count + $3,
			byte_size = byte_size + $4,
			start_time = LEAST(start_time, $5),
			end_time = GREATEST(end_time, $6)
		WHERE id = $1
		RETURNING `+manifestColumns,
		manifestID, partitionID, rowCount, byteSize, tr.Start, tr.End)
	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("manifest %d", manifestID)
	}
	return m, err
}

// ListManifestsForRange returns every non-superseded manifest whose shard
// day intersects [start, end) (spec.md §4.8 step 2).
func (s *Store) ListManifestsForRange(ctx context.Context, tx *dbtx.Tx, datasetID int64, tr types.TimeRange) ([]*types.Manifest, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+manifestColumns+` FROM dataset_manifests
		WHERE dataset_id = $1 AND status != 'superseded'
			AND shard >= $2 AND shard < $3
		ORDER BY shard ASC, version DESC`,
		datasetID, tr.Start.UTC().Truncate(24*time.Hour), tr.End.UTC().Truncate(24*time.Hour).Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanManifest(row rowScanner) (*types.Manifest, error) {
	var m types.Manifest
	if err := row.Scan(
		&m.ID, &m.DatasetID, &m.Shard, &m.Version, &m.Status, &m.SchemaVersionID, pq.Array(&m.PartitionIDs),
		&m.Summary.RowCount, &m.Summary.ByteSize, &m.Summary.StartTime, &m.Summary.EndTime, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}
