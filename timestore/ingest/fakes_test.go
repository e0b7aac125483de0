package ingest_test

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

// fakeRepo is an in-memory stand-in for dataset.Store, scoped to what the
// ingestion processor needs.
type fakeRepo struct {
	nextID int64

	datasets map[string]*types.Dataset // slug -> dataset

	schemaVersions map[int64][]*types.SchemaVersion // datasetID -> versions, ascending

	batches map[int64]*types.StagingBatch // batchID -> batch

	partitionsBySignature map[string]*types.Partition // "datasetID:signature" -> partition

	manifests map[string]*types.Manifest // "datasetID:shard" -> current manifest
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		datasets:               map[string]*types.Dataset{},
		schemaVersions:         map[int64][]*types.SchemaVersion{},
		batches:                map[int64]*types.StagingBatch{},
		partitionsBySignature:  map[string]*types.Partition{},
		manifests:              map[string]*types.Manifest{},
	}
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error {
	return fn(ctx, nil)
}

func (f *fakeRepo) ResolveOrCreateDataset(ctx context.Context, tx *dbtx.Tx, slug, name string, defaultStorageTargetID int64) (*types.Dataset, error) {
	if d, ok := f.datasets[slug]; ok {
		cp := *d
		return &cp, nil
	}
	f.nextID++
	d := &types.Dataset{
		ID:                     f.nextID,
		Slug:                   slug,
		Name:                   name,
		DefaultStorageTargetID: defaultStorageTargetID,
		Status:                 types.DatasetActive,
	}
	f.datasets[slug] = d
	cp := *d
	return &cp, nil
}

func (f *fakeRepo) GetLatestSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64) (*types.SchemaVersion, error) {
	versions := f.schemaVersions[datasetID]
	if len(versions) == 0 {
		return nil, filestore.ErrNotFound.New("no schema version for dataset %d", datasetID)
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (f *fakeRepo) InsertSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64, fields []types.SchemaField) (*types.SchemaVersion, error) {
	f.nextID++
	v := &types.SchemaVersion{
		ID:        f.nextID,
		DatasetID: datasetID,
		Version:   len(f.schemaVersions[datasetID]) + 1,
		Fields:    append([]types.SchemaField{}, fields...),
	}
	f.schemaVersions[datasetID] = append(f.schemaVersions[datasetID], v)
	cp := *v
	return &cp, nil
}

func batchSigKey(datasetID int64, signature string) string {
	return strconv.FormatInt(datasetID, 10) + ":" + signature
}

func (f *fakeRepo) GetOpenStagingBatch(ctx context.Context, tx *dbtx.Tx, datasetID int64, signature string, forUpdate bool) (*types.StagingBatch, error) {
	for _, b := range f.batches {
		if b.DatasetID == datasetID && b.IngestionSignature == signature && b.Status == types.StagingOpen {
			cp := *b
			return &cp, nil
		}
	}
	return nil, filestore.ErrNotFound.New("no open batch for signature %q", signature)
}

func (f *fakeRepo) InsertStagingBatch(ctx context.Context, tx *dbtx.Tx, b *types.StagingBatch) (*types.StagingBatch, error) {
	f.nextID++
	cp := *b
	cp.ID = f.nextID
	cp.Status = types.StagingOpen
	f.batches[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRepo) AddRows(ctx context.Context, tx *dbtx.Tx, batchID int64, rowDelta, byteDelta int64) (*types.StagingBatch, error) {
	b := f.batches[batchID]
	b.RowCount += rowDelta
	b.ByteCount += byteDelta
	cp := *b
	return &cp, nil
}

func (f *fakeRepo) MarkFlushing(ctx context.Context, tx *dbtx.Tx, batchID int64) (*types.StagingBatch, error) {
	b := f.batches[batchID]
	b.Status = types.StagingFlushing
	cp := *b
	return &cp, nil
}

func (f *fakeRepo) DeleteFlushed(ctx context.Context, tx *dbtx.Tx, batchID int64) error {
	delete(f.batches, batchID)
	return nil
}

func (f *fakeRepo) FindByIngestionSignature(ctx context.Context, tx *dbtx.Tx, datasetID int64, signature string) (*types.Partition, error) {
	p, ok := f.partitionsBySignature[batchSigKey(datasetID, signature)]
	if !ok {
		return nil, filestore.ErrNotFound.New("no partition for signature %q", signature)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepo) InsertPartition(ctx context.Context, tx *dbtx.Tx, p *types.Partition) (*types.Partition, error) {
	cp := *p
	f.partitionsBySignature[batchSigKey(p.DatasetID, p.IngestionSignature)] = &cp
	out := cp
	return &out, nil
}

func manifestKey(datasetID int64, shard time.Time) string {
	return strconv.FormatInt(datasetID, 10) + ":" + shard.UTC().Truncate(24*time.Hour).Format("2006-01-02")
}

func (f *fakeRepo) GetManifestForShard(ctx context.Context, tx *dbtx.Tx, datasetID int64, shard time.Time, forUpdate bool) (*types.Manifest, error) {
	m, ok := f.manifests[manifestKey(datasetID, shard)]
	if !ok {
		return nil, filestore.ErrNotFound.New("no manifest for dataset %d shard %s", datasetID, shard)
	}
	cp := *m
	return &cp, nil
}

func (f *fakeRepo) InsertManifest(ctx context.Context, tx *dbtx.Tx, m *types.Manifest) (*types.Manifest, error) {
	f.nextID++
	cp := *m
	cp.ID = f.nextID
	cp.Version = 1
	f.manifests[manifestKey(m.DatasetID, m.Shard)] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRepo) AppendPartition(ctx context.Context, tx *dbtx.Tx, manifestID int64, partitionID string, rowCount, byteSize int64, tr types.TimeRange) (*types.Manifest, error) {
	for _, m := range f.manifests {
		if m.ID == manifestID {
			m.PartitionIDs = append(m.PartitionIDs, partitionID)
			m.Summary.RowCount += rowCount
			m.Summary.ByteSize += byteSize
			if tr.Start.Before(m.Summary.StartTime) {
				m.Summary.StartTime = tr.Start
			}
			if tr.End.After(m.Summary.EndTime) {
				m.Summary.EndTime = tr.End
			}
			cp := *m
			return &cp, nil
		}
	}
	return nil, filestore.ErrNotFound.New("manifest %d", manifestID)
}

// fakeSpool is an in-memory ingest.Spool stand-in.
type fakeSpool struct {
	rows map[int64]map[int64][]types.IngestRow // datasetID -> batchID -> rows
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{rows: map[int64]map[int64][]types.IngestRow{}}
}

func (s *fakeSpool) Append(datasetID, batchID int64, rows []types.IngestRow) error {
	if s.rows[datasetID] == nil {
		s.rows[datasetID] = map[int64][]types.IngestRow{}
	}
	s.rows[datasetID][batchID] = append(s.rows[datasetID][batchID], rows...)
	return nil
}

func (s *fakeSpool) ReadAll(datasetID, batchID int64) ([]types.IngestRow, error) {
	return s.rows[datasetID][batchID], nil
}

func (s *fakeSpool) Delete(datasetID, batchID int64) error {
	delete(s.rows[datasetID], batchID)
	return nil
}

// fakeBus records every published event without delivering it anywhere.
type fakeBus struct {
	published []eventbus.Event
}

func (f *fakeBus) Publish(ctx context.Context, e eventbus.Event) error {
	f.published = append(f.published, e)
	return nil
}

// fakeBackend is an in-memory backend.Backend stand-in; only WriteBlob is
// exercised by the flush path under test.
type fakeBackend struct {
	blobs map[string][]byte
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{blobs: map[string][]byte{}}
}

func (f *fakeBackend) Stat(ctx context.Context, relativePath string) (backend.Stat, error) {
	b, ok := f.blobs[relativePath]
	if !ok {
		return backend.Stat{}, nil
	}
	return backend.Stat{Exists: true, Kind: backend.KindFile, SizeBytes: int64(len(b))}, nil
}

func (f *fakeBackend) ReadStream(ctx context.Context, relativePath string) (io.ReadCloser, error) {
	b, ok := f.blobs[relativePath]
	if !ok {
		return nil, filestore.ErrNotFound.New("no blob at %q", relativePath)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeBackend) WriteBlob(ctx context.Context, relativePath string, content io.Reader) (backend.WriteResult, error) {
	buf, err := io.ReadAll(content)
	if err != nil {
		return backend.WriteResult{}, err
	}
	f.blobs[relativePath] = buf
	return backend.WriteResult{SizeBytes: int64(len(buf)), Checksum: "sha256:fake"}, nil
}

func (f *fakeBackend) List(ctx context.Context, relativePath string) ([]backend.Entry, error) {
	return nil, nil
}

func (f *fakeBackend) Delete(ctx context.Context, relativePath string, recursive bool) error {
	delete(f.blobs, relativePath)
	return nil
}

func (f *fakeBackend) Move(ctx context.Context, src, dst string) error {
	f.blobs[dst] = f.blobs[src]
	delete(f.blobs, src)
	return nil
}

func (f *fakeBackend) Copy(ctx context.Context, src, dst string) error {
	f.blobs[dst] = append([]byte(nil), f.blobs[src]...)
	return nil
}
