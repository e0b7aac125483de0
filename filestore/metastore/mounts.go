package metastore

import (
	"context"
	"database/sql"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

const mountColumns = `
	id, name, driver, root_path, bucket, prefix, endpoint, region,
	access_key_id, secret_access_key, force_path_style`

func scanMount(row interface {
	Scan(dest ...interface{}) error
}) (*types.BackendMount, error) {
	m := &types.BackendMount{}
	err := row.Scan(&m.ID, &m.Name, &m.Driver, &m.RootPath, &m.Bucket, &m.Prefix,
		&m.Endpoint, &m.Region, &m.AccessKeyID, &m.SecretAccessKey, &m.ForcePathStyle)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListBackendMounts returns every registered backend mount, for process
// startup to build a backend.Registry from (spec.md §4.2).
func (s *Store) ListBackendMounts(ctx context.Context, tx *dbtx.Tx) ([]*types.BackendMount, error) {
	rows, err := tx.Query(ctx, `SELECT `+mountColumns+` FROM backend_mounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.BackendMount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetBackendMountByName looks up a mount by its unique name, for
// operator tooling that provisions mounts idempotently by name.
func (s *Store) GetBackendMountByName(ctx context.Context, tx *dbtx.Tx, name string) (*types.BackendMount, error) {
	row := tx.QueryRow(ctx, `SELECT `+mountColumns+` FROM backend_mounts WHERE name = $1`, name)
	m, err := scanMount(row)
	if err == sql.ErrNoRows {
		return nil, filestore.ErrNotFound.New("backend mount %q", name)
	}
	return m, err
}

// InsertBackendMount creates a new backend mount row.
func (s *Store) InsertBackendMount(ctx context.Context, tx *dbtx.Tx, m *types.BackendMount) (*types.BackendMount, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO backend_mounts (
			name, driver, root_path, bucket, prefix, endpoint, region,
			access_key_id, secret_access_key, force_path_style
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+mountColumns,
		m.Name, m.Driver, m.RootPath, m.Bucket, m.Prefix, m.Endpoint, m.Region,
		m.AccessKeyID, m.SecretAccessKey, m.ForcePathStyle,
	)
	return scanMount(row)
}
