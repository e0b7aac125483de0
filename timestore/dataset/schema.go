package dataset

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

const schemaVersionColumns = `id, dataset_id, version, fields, created_at`

// GetLatestSchemaVersion returns the highest-numbered schema version for
// datasetID, or filestore.ErrNotFound if the dataset has none yet.
func (s *Store) GetLatestSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64) (*types.SchemaVersion, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+schemaVersionColumns+` FROM dataset_schema_versions
		WHERE dataset_id = $1 ORDER BY version DESC LIMIT 1`, datasetID)
	v, err := scanSchemaVersion(row)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("no schema version for dataset %d", datasetID)
	}
	return v, err
}

// InsertSchemaVersion creates the next monotonic schema version for a
// dataset. Schema versions are immutable once created (spec.md §3).
func (s *Store) InsertSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64, fields []types.SchemaField) (*types.SchemaVersion, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO dataset_schema_versions (dataset_id, version, fields, created_at)
		VALUES ($1, COALESCE((SELECT MAX(version) FROM dataset_schema_versions WHERE dataset_id = $1), 0) + 1, $2, now())
		RETURNING `+schemaVersionColumns, datasetID, fieldsJSON)
	return scanSchemaVersion(row)
}

func scanSchemaVersion(row rowScanner) (*types.SchemaVersion, error) {
	var v types.SchemaVersion
	var fieldsJSON []byte
	if err := row.Scan(&v.ID, &v.DatasetID, &v.Version, &fieldsJSON, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &v.Fields); err != nil {
		return nil, err
	}
	return &v, nil
}
