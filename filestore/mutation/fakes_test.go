package mutation_test

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// fakeRepo is an in-memory stand-in for metastore.Store, scoped to what
// the mutation pipeline needs. Paths are unique per backend mount.
type fakeRepo struct {
	nextID    int64
	byID      map[int64]*types.Node
	byPath    map[string]int64 // "mountId:path" -> id
	rollups   map[int64]*types.Rollup
	journal   map[string][]byte // idempotency key -> result JSON
	journalMu []types.JournalEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byID:    map[int64]*types.Node{},
		byPath:  map[string]int64{},
		rollups: map[int64]*types.Rollup{},
		journal: map[string][]byte{},
	}
}

func key(mountID int64, path string) string {
	return strconv.FormatInt(mountID, 10) + ":" + path
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error {
	return fn(ctx, nil)
}

func (f *fakeRepo) GetNodeByPath(ctx context.Context, tx *dbtx.Tx, backendMountID int64, path string, forUpdate bool) (*types.Node, error) {
	id, ok := f.byPath[key(backendMountID, path)]
	if !ok {
		return nil, filestore.ErrNotFound.New("no node at %q", path)
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeRepo) GetNodeByID(ctx context.Context, tx *dbtx.Tx, id int64, forUpdate bool) (*types.Node, error) {
	n, ok := f.byID[id]
	if !ok {
		return nil, filestore.ErrNotFound.New("no node %d", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeRepo) InsertNode(ctx context.Context, tx *dbtx.Tx, n *types.Node) (*types.Node, error) {
	f.nextID++
	cp := *n
	cp.ID = f.nextID
	f.byID[cp.ID] = &cp
	f.byPath[key(cp.BackendMountID, cp.Path)] = cp.ID
	f.rollups[cp.ID] = &types.Rollup{NodeID: cp.ID, State: types.RollupPending}
	return &cp, nil
}

func (f *fakeRepo) UpdateNodeState(ctx context.Context, tx *dbtx.Tx, n *types.Node, touchModified, touchReconciled bool) (*types.Node, error) {
	old := f.byID[n.ID]
	delete(f.byPath, key(old.BackendMountID, old.Path))
	cp := *n
	f.byID[cp.ID] = &cp
	f.byPath[key(cp.BackendMountID, cp.Path)] = cp.ID
	return &cp, nil
}

func (f *fakeRepo) ListChildren(ctx context.Context, tx *dbtx.Tx, parentID int64) ([]*types.Node, error) {
	var out []*types.Node
	for _, n := range f.byID {
		if n.ParentID != nil && *n.ParentID == parentID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) AppendJournal(ctx context.Context, tx *dbtx.Tx, e *types.JournalEntry) (*types.JournalEntry, error) {
	f.journalMu = append(f.journalMu, *e)
	if e.IdempotencyKey != nil {
		f.journal[*e.IdempotencyKey] = e.Result
	}
	return e, nil
}

func (f *fakeRepo) FindByIdempotencyKey(ctx context.Context, tx *dbtx.Tx, backendMountID int64, key string) (*types.JournalEntry, error) {
	result, ok := f.journal[key]
	if !ok {
		return nil, nil
	}
	return &types.JournalEntry{Result: result, IdempotencyKey: &key}, nil
}

func (f *fakeRepo) GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error) {
	r, ok := f.rollups[nodeID]
	if !ok {
		return nil, filestore.ErrNotFound.New("no rollup for %d", nodeID)
	}
	return r, nil
}

// fakeRollups is a no-op RollupApplier: it ensures every plan node has a
// rollup row and returns the plan's touched nodes as "updated", without
// modeling counters — the mutation package's tests assert command
// behavior, not rollup arithmetic (covered by the rollup package's own
// tests).
type fakeRollups struct {
	applied []*rollup.Plan
}

func (f *fakeRollups) ApplyPlan(ctx context.Context, tx *dbtx.Tx, plan *rollup.Plan) (map[int64]*types.Rollup, error) {
	f.applied = append(f.applied, plan)
	updated := make(map[int64]*types.Rollup, len(plan.TouchedNodeIDs))
	for _, id := range plan.TouchedNodeIDs {
		updated[id] = &types.Rollup{NodeID: id, State: types.RollupUpToDate}
	}
	return updated, nil
}

func (f *fakeRollups) AfterCommit(ctx context.Context, plan *rollup.Plan, updated map[int64]*types.Rollup) {}

// fakeBus records every published event without delivering it anywhere.
type fakeBus struct {
	published []eventbus.Event
}

func (f *fakeBus) Publish(ctx context.Context, e eventbus.Event) error {
	f.published = append(f.published, e)
	return nil
}

// fakeBackend is an in-memory backend.Backend stand-in keyed by relative
// path, sufficient to exercise WriteBlob/Delete/Move/Copy call sequencing.
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
	var out []backend.Entry
	prefix := relativePath
	if prefix != "" {
		prefix += "/"
	}
	for p := range f.blobs {
		if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			out = append(out, backend.Entry{Name: p, Kind: backend.KindFile})
		}
	}
	return out, nil
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
