package dataset

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

const datasetColumns = `id, slug, name, default_storage_target_id, status, metadata, created_at, updated_at`

// GetDatasetBySlug loads a dataset by its stable external slug.
func (s *Store) GetDatasetBySlug(ctx context.Context, tx *dbtx.Tx, slug string, forUpdate bool) (*types.Dataset, error) {
	q := `SELECT ` + datasetColumns + ` FROM datasets WHERE slug = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	d, err := scanDataset(tx.QueryRow(ctx, q, slug))
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("dataset %q", slug)
	}
	return d, err
}

// InsertDataset creates a new dataset row, active by default.
func (s *Store) InsertDataset(ctx context.Context, tx *dbtx.Tx, d *types.Dataset) (*types.Dataset, error) {
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO datasets (slug, name, default_storage_target_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+datasetColumns,
		d.Slug, d.Name, d.DefaultStorageTargetID, d.Status, metadataJSON)
	return scanDataset(row)
}

// ResolveOrCreateDataset returns the dataset for slug, creating it with
// name/defaultStorageTargetID if absent (spec.md §4.7 step 1). Callers
// must hold the enclosing transaction open across both the lookup and a
// possible insert to avoid a duplicate-slug race.
func (s *Store) ResolveOrCreateDataset(ctx context.Context, tx *dbtx.Tx, slug, name string, defaultStorageTargetID int64) (*types.Dataset, error) {
	d, err := s.GetDatasetBySlug(ctx, tx, slug, true)
	if err == nil {
		return d, nil
	}
	if !filestore.ErrNotFound.Has(err) {
		return nil, err
	}
	return s.InsertDataset(ctx, tx, &types.Dataset{
		Slug:                   slug,
		Name:                   name,
		DefaultStorageTargetID: defaultStorageTargetID,
		Status:                 types.DatasetActive,
	})
}

func scanDataset(row rowScanner) (*types.Dataset, error) {
	var d types.Dataset
	var metadataJSON []byte
	if err := row.Scan(&d.ID, &d.Slug, &d.Name, &d.DefaultStorageTargetID, &d.Status, &metadataJSON, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
			return nil, err
		}
	}
	return &d, nil
}
