package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/planner"
	"github.com/corestratum/dataplatform/timestore/types"
)

// flush implements spec.md §4.7 step 6: it reads the batch's spooled
// rows, writes them out as a partition file via C2, selects or creates
// the shard's manifest, records column statistics/bloom filters/
// histograms, commits the partition + manifest update in one
// transaction, and emits partition.created.
func (p *Processor) flush(ctx context.Context, fj flushJob) (*types.Manifest, error) {
	rows, err := p.spool.ReadAll(fj.dataset.ID, fj.batch.ID)
	if err != nil {
		return nil, filestore.ErrStorageWriteFailed.Wrap(err)
	}

	b, ok := p.backends.Get(fj.storageTargetID)
	if !ok {
		return nil, filestore.ErrBackendUnavailable.New("storage target %d not registered", fj.storageTargetID)
	}

	format := p.cfg.DefaultFormat
	partitionID := newPartitionID()
	shard := fj.batch.TimeRange.Start.UTC().Truncate(24 * time.Hour)
	path := fmt.Sprintf("%s/%s/%s.%s", fj.dataset.Slug, shard.Format("2006-01-02"), partitionID, format)

	content, err := encodeRows(rows)
	if err != nil {
		return nil, err
	}
	result, err := b.WriteBlob(ctx, path, bytes.NewReader(content))
	if err != nil {
		return nil, filestore.ErrStorageWriteFailed.Wrap(err)
	}

	columnStats := planner.ComputeColumnStats(fj.schema, rows)
	var bloomFilters []types.BloomFilter
	var histograms []types.Histogram
	for _, f := range fj.schema {
		values := columnValues(rows, f.Name)
		if len(values) == 0 {
			continue
		}
		bloomFilters = append(bloomFilters, planner.BuildBloomFilter(f.Name, values, 0, 0))
		if f.Type == types.FieldDouble || f.Type == types.FieldInteger {
			histograms = append(histograms, planner.BuildHistogram(f.Name, values, 0))
		}
	}

	part := &types.Partition{
		ID:                  partitionID,
		DatasetID:           fj.dataset.ID,
		StorageTargetID:     fj.storageTargetID,
		PartitionKey:        fj.batch.PartitionKey,
		PartitionAttributes: fj.batch.PartitionAttributes,
		FileFormat:          format,
		FilePath:            path,
		FileSizeBytes:       result.SizeBytes,
		RowCount:            int64(len(rows)),
		Checksum:            result.Checksum,
		TimeRange:           fj.batch.TimeRange,
		ColumnStats:         columnStats,
		BloomFilters:        bloomFilters,
		Histograms:          histograms,
		IngestionSignature:  fj.batch.IngestionSignature,
	}

	return p.commitFlush(ctx, fj, part)
}

// commitFlush writes the partition row and its manifest update in a
// single transaction (spec.md §4.7 step 6 "single transaction"), then
// clears the now-durable spool batch and publishes partition.created.
func (p *Processor) commitFlush(ctx context.Context, fj flushJob, part *types.Partition) (*types.Manifest, error) {
	var manifest *types.Manifest
	err := p.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		existing, err := p.repo.GetManifestForShard(ctx, tx, fj.dataset.ID, part.TimeRange.Start, true)
		switch {
		case filestore.ErrNotFound.Has(err):
			manifest, err = p.repo.InsertManifest(ctx, tx, &types.Manifest{
				DatasetID:       fj.dataset.ID,
				Shard:           part.TimeRange.Start,
				Status:          types.ManifestPublished,
				SchemaVersionID: fj.schemaVersionID,
				PartitionIDs:    []string{part.ID},
				Summary: types.ManifestSummary{
					RowCount:  part.RowCount,
					ByteSize:  part.FileSizeBytes,
					StartTime: part.TimeRange.Start,
					EndTime:   part.TimeRange.End,
				},
			})
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			manifest, err = p.repo.AppendPartition(ctx, tx, existing.ID, part.ID, part.RowCount, part.FileSizeBytes, part.TimeRange)
			if err != nil {
				return err
			}
		}

		part.ManifestID = manifest.ID
		if _, err := p.repo.InsertPartition(ctx, tx, part); err != nil {
			return err
		}
		if _, err := p.repo.MarkFlushing(ctx, tx, fj.batch.ID); err != nil {
			return err
		}
		return p.repo.DeleteFlushed(ctx, tx, fj.batch.ID)
	})
	if err != nil {
		return nil, err
	}

	if err := p.spool.Delete(fj.dataset.ID, fj.batch.ID); err != nil {
		p.log.Error("ingest: failed to clear flushed spool batch", zap.Error(err), zap.Int64("batchId", fj.batch.ID))
	}

	p.publish(ctx, eventbus.TypePartitionCreated, map[string]interface{}{
		"datasetId":   fj.dataset.ID,
		"partitionId": part.ID,
		"manifestId":  manifest.ID,
	})
	return manifest, nil
}

func (p *Processor) publish(ctx context.Context, t eventbus.Type, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, eventbus.New(t, data, p.now())); err != nil {
		p.log.Error("ingest: failed to publish event", zap.Error(err), zap.String("type", string(t)))
	}
}

func encodeRows(rows []types.IngestRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func columnValues(rows []types.IngestRow, column string) []interface{} {
	var out []interface{}
	for _, row := range rows {
		if v, ok := row[column]; ok && v != nil {
			out = append(out, v)
		}
	}
	return out
}
