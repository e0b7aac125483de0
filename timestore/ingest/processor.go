// Package ingest implements the C7 ingestion processor described in
// spec.md §4.7: resolve/create the dataset, reconcile its schema,
// dedup by ingestion signature, append to the crash-safe staging
// spool, and flush staged rows into an immutable partition file once a
// flush policy trips.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore"
	"github.com/corestratum/dataplatform/timestore/types"
)

// Repository is the slice of dataset.Store the processor needs.
type Repository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error

	ResolveOrCreateDataset(ctx context.Context, tx *dbtx.Tx, slug, name string, defaultStorageTargetID int64) (*types.Dataset, error)
	GetLatestSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64) (*types.SchemaVersion, error)
	InsertSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64, fields []types.SchemaField) (*types.SchemaVersion, error)

	GetOpenStagingBatch(ctx context.Context, tx *dbtx.Tx, datasetID int64, signature string, forUpdate bool) (*types.StagingBatch, error)
	InsertStagingBatch(ctx context.Context, tx *dbtx.Tx, b *types.StagingBatch) (*types.StagingBatch, error)
	AddRows(ctx context.Context, tx *dbtx.Tx, batchID int64, rowDelta, byteDelta int64) (*types.StagingBatch, error)
	MarkFlushing(ctx context.Context, tx *dbtx.Tx, batchID int64) (*types.StagingBatch, error)
	DeleteFlushed(ctx context.Context, tx *dbtx.Tx, batchID int64) error

	FindByIngestionSignature(ctx context.Context, tx *dbtx.Tx, datasetID int64, signature string) (*types.Partition, error)
	InsertPartition(ctx context.Context, tx *dbtx.Tx, p *types.Partition) (*types.Partition, error)

	GetManifestForShard(ctx context.Context, tx *dbtx.Tx, datasetID int64, shard time.Time, forUpdate bool) (*types.Manifest, error)
	InsertManifest(ctx context.Context, tx *dbtx.Tx, m *types.Manifest) (*types.Manifest, error)
	AppendPartition(ctx context.Context, tx *dbtx.Tx, manifestID int64, partitionID string, rowCount, byteSize int64, tr types.TimeRange) (*types.Manifest, error)
}

// Spool is the slice of *Spool the processor drives; narrowed so tests
// can substitute an in-memory double.
type Spool interface {
	Append(datasetID, batchID int64, rows []types.IngestRow) error
	ReadAll(datasetID, batchID int64) ([]types.IngestRow, error)
	Delete(datasetID, batchID int64) error
}

// Publisher is the slice of eventbus.Bus the processor needs.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) error
}

// NowFunc returns the current time; overridden by tests.
type NowFunc func() time.Time

// Config is the flush policy spec.md §4.7 step 6 names: a batch flushes
// once any one of its thresholds trips.
type Config struct {
	MaxRows       int64
	MaxBytes      int64
	MaxAge        time.Duration
	DefaultFormat types.FileFormat
}

// DefaultConfig flushes every row immediately (spec.md §4.7 step 6
// "max rows (default 1)").
func DefaultConfig() Config {
	return Config{MaxRows: 1, MaxBytes: 64 << 20, MaxAge: 5 * time.Minute, DefaultFormat: types.FormatParquet}
}

// Processor is the C7 ingestion processor.
type Processor struct {
	repo     Repository
	spool    Spool
	backends *backend.Registry
	bus      Publisher
	log      *zap.Logger
	now      NowFunc
	cfg      Config
}

// New builds a Processor.
func New(repo Repository, spool Spool, backends *backend.Registry, bus Publisher, cfg Config, log *zap.Logger, now NowFunc) *Processor {
	return &Processor{repo: repo, spool: spool, backends: backends, bus: bus, log: log, now: now, cfg: cfg}
}

// Ingest runs spec.md §4.7's full algorithm for one validated job and
// returns the manifest the job's rows ultimately landed in — either the
// manifest flushed this call, or the unchanged manifest a replayed
// signature already flushed.
func (p *Processor) Ingest(ctx context.Context, job types.IngestJob) (*types.Manifest, error) {
	var (
		manifest  *types.Manifest
		toFlush   *flushJob
		alreadyIn bool
	)

	err := p.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		dataset, err := p.repo.ResolveOrCreateDataset(ctx, tx, job.DatasetSlug, job.DatasetName, job.StorageTargetID)
		if err != nil {
			return err
		}

		schemaVersion, err := p.reconcileSchema(ctx, tx, dataset.ID, job.Schema)
		if err != nil {
			return err
		}

		signature, err := computeSignature(schemaVersion.ID, job.PartitionKey, job.TimeRange, job.Rows)
		if err != nil {
			return err
		}
		if job.IdempotencyKey != nil {
			signature = *job.IdempotencyKey
		}

		if existing, err := p.repo.FindByIngestionSignature(ctx, tx, dataset.ID, signature); err == nil {
			alreadyIn = true
			manifest, err = p.repo.GetManifestForShard(ctx, tx, dataset.ID, existing.TimeRange.Start, false)
			return err
		} else if !filestore.ErrNotFound.Has(err) {
			return err
		}

		batch, err := p.repo.GetOpenStagingBatch(ctx, tx, dataset.ID, signature, true)
		if filestore.ErrNotFound.Has(err) {
			batch, err = p.repo.InsertStagingBatch(ctx, tx, &types.StagingBatch{
				DatasetID:           dataset.ID,
				TableName:           job.TableName,
				SchemaVersionID:     schemaVersion.ID,
				PartitionKey:        job.PartitionKey,
				PartitionAttributes: job.PartitionAttrs,
				TimeRange:           job.TimeRange,
				IngestionSignature:  signature,
				ReceivedAt:          p.now(),
			})
		}
		if err != nil {
			return err
		}

		byteCount := estimateBytes(job.Rows)
		if err := p.spool.Append(dataset.ID, batch.ID, job.Rows); err != nil {
			return filestore.ErrStorageWriteFailed.Wrap(err)
		}
		batch, err = p.repo.AddRows(ctx, tx, batch.ID, int64(len(job.Rows)), byteCount)
		if err != nil {
			return err
		}

		if !p.shouldFlush(batch) {
			return nil
		}
		toFlush = &flushJob{
			dataset:         dataset,
			batch:           batch,
			schemaVersionID: schemaVersion.ID,
			schema:          job.Schema,
			storageTargetID: job.StorageTargetID,
			backfill:        job.Backfill,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyIn {
		return manifest, nil
	}
	if toFlush == nil {
		return nil, nil
	}
	return p.flush(ctx, *toFlush)
}

// shouldFlush evaluates the flush policy spec.md §4.7 step 6 names.
func (p *Processor) shouldFlush(b *types.StagingBatch) bool {
	if p.cfg.MaxRows > 0 && b.RowCount >= p.cfg.MaxRows {
		return true
	}
	if p.cfg.MaxBytes > 0 && b.ByteCount >= p.cfg.MaxBytes {
		return true
	}
	if p.cfg.MaxAge > 0 && p.now().Sub(b.ReceivedAt) >= p.cfg.MaxAge {
		return true
	}
	return false
}

// reconcileSchema implements spec.md §4.7 step 2: identical reuse,
// additive-fields-only new version, or ErrSchemaEvolution for anything
// else.
func (p *Processor) reconcileSchema(ctx context.Context, tx *dbtx.Tx, datasetID int64, fields []types.SchemaField) (*types.SchemaVersion, error) {
	latest, err := p.repo.GetLatestSchemaVersion(ctx, tx, datasetID)
	if filestore.ErrNotFound.Has(err) {
		return p.repo.InsertSchemaVersion(ctx, tx, datasetID, fields)
	}
	if err != nil {
		return nil, err
	}

	identical, added, compatErr := diffSchema(latest.Fields, fields)
	if compatErr != nil {
		return nil, timestore.ErrSchemaEvolution.Wrap(compatErr)
	}
	if identical {
		return latest, nil
	}
	merged := append(append([]types.SchemaField{}, latest.Fields...), added...)
	return p.repo.InsertSchemaVersion(ctx, tx, datasetID, merged)
}

func estimateBytes(rows []types.IngestRow) int64 {
	var n int64
	for _, row := range rows {
		for k, v := range row {
			n += int64(len(k)) + 16
			if s, ok := v.(string); ok {
				n += int64(len(s))
			}
		}
	}
	return n
}

func newPartitionID() string {
	return uuid.NewString()
}

type flushJob struct {
	dataset         *types.Dataset
	batch           *types.StagingBatch
	schemaVersionID int64
	schema          []types.SchemaField
	storageTargetID int64
	backfill        bool
}
