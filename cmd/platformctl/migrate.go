package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/config"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/metastore"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/dataset"
)

const defaultMountName = "default"

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the filestore and timestore schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

// runMigrate applies both schema.sql files. Every statement in them is
// guarded with IF NOT EXISTS, so running this against an already-migrated
// database is a no-op rather than an error.
func runMigrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("platformctl: %w", err)
	}

	log := newLogger()
	db, err := dbtx.Open(log, cfg.Database.URL, cfg.Database.PoolMax)
	if err != nil {
		return fmt.Errorf("platformctl: migrate: %w", err)
	}
	defer func() { _ = db.Close() }()

	err = db.WithConnection(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, metastore.Schema); err != nil {
			return fmt.Errorf("applying filestore schema: %w", err)
		}
		if _, err := conn.ExecContext(ctx, dataset.Schema); err != nil {
			return fmt.Errorf("applying timestore schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	store := metastore.New(db, log)
	if err := ensureDefaultMount(ctx, store, cfg.Storage); err != nil {
		return fmt.Errorf("platformctl: migrate: %w", err)
	}

	log.Info("migrate: schema applied")
	return nil
}

// ensureDefaultMount provisions the one backend mount STORAGE_DRIVER/
// STORAGE_ROOT/S3_* describe, under the fixed name "default", the first
// time migrate runs against a database. Later mounts (multi-backend
// deployments) are provisioned directly in backend_mounts; env vars only
// ever seed this first one.
func ensureDefaultMount(ctx context.Context, store *metastore.Store, cfg config.Storage) error {
	return store.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		_, err := store.GetBackendMountByName(ctx, tx, defaultMountName)
		if err == nil {
			return nil
		}
		if !filestore.ErrNotFound.Has(err) {
			return err
		}

		mount := &types.BackendMount{Name: defaultMountName}
		switch cfg.Driver {
		case "s3":
			mount.Driver = types.BackendS3
			mount.Bucket = cfg.S3Bucket
			mount.Endpoint = cfg.S3Endpoint
			mount.Region = cfg.S3Region
			mount.AccessKeyID = cfg.S3AccessKeyID
			mount.SecretAccessKey = cfg.S3SecretKey
			mount.ForcePathStyle = cfg.S3ForcePath
		default:
			mount.Driver = types.BackendLocal
			mount.RootPath = cfg.Root
		}
		_, err = store.InsertBackendMount(ctx, tx, mount)
		return err
	})
}

func newLogger() *zap.Logger {
	log, err := zap.NewProduction()
	if err != nil {
		log = zap.NewNop()
	}
	return log
}
