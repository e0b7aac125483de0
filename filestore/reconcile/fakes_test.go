package reconcile_test

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

type fakeRepo struct {
	nextNodeID int64
	nextJobID  int64
	byID       map[int64]*types.Node
	byPath     map[string]int64
	rollups    map[int64]*types.Rollup
	jobs       map[int64]*types.ReconciliationJob
	activeKeys map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byID:       map[int64]*types.Node{},
		byPath:     map[string]int64{},
		rollups:    map[int64]*types.Rollup{},
		jobs:       map[int64]*types.ReconciliationJob{},
		activeKeys: map[string]bool{},
	}
}

func pkey(mountID int64, path string) string {
	return strconv.FormatInt(mountID, 10) + ":" + path
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error {
	return fn(ctx, nil)
}

func (f *fakeRepo) GetNodeByID(ctx context.Context, tx *dbtx.Tx, id int64, forUpdate bool) (*types.Node, error) {
	n, ok := f.byID[id]
	if !ok {
		return nil, filestore.ErrNotFound.New("no node %d", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeRepo) GetNodeByPath(ctx context.Context, tx *dbtx.Tx, backendMountID int64, path string, forUpdate bool) (*types.Node, error) {
	id, ok := f.byPath[pkey(backendMountID, path)]
	if !ok {
		return nil, filestore.ErrNotFound.New("no node at %q", path)
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeRepo) InsertNode(ctx context.Context, tx *dbtx.Tx, n *types.Node) (*types.Node, error) {
	f.nextNodeID++
	cp := *n
	cp.ID = f.nextNodeID
	f.byID[cp.ID] = &cp
	f.byPath[pkey(cp.BackendMountID, cp.Path)] = cp.ID
	f.rollups[cp.ID] = &types.Rollup{NodeID: cp.ID, State: types.RollupPending}
	out := cp
	return &out, nil
}

func (f *fakeRepo) UpdateNodeState(ctx context.Context, tx *dbtx.Tx, n *types.Node, touchModified, touchReconciled bool) (*types.Node, error) {
	old := f.byID[n.ID]
	delete(f.byPath, pkey(old.BackendMountID, old.Path))
	cp := *n
	f.byID[cp.ID] = &cp
	f.byPath[pkey(cp.BackendMountID, cp.Path)] = cp.ID
	out := cp
	return &out, nil
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

func (f *fakeRepo) GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error) {
	r, ok := f.rollups[nodeID]
	if !ok {
		return nil, filestore.ErrNotFound.New("no rollup for %d", nodeID)
	}
	return r, nil
}

func (f *fakeRepo) InsertReconciliationJob(ctx context.Context, tx *dbtx.Tx, j *types.ReconciliationJob) (*types.ReconciliationJob, error) {
	f.nextJobID++
	cp := *j
	cp.ID = f.nextJobID
	cp.Status = types.JobQueued
	f.jobs[cp.ID] = &cp
	f.activeKeys[cp.JobKey] = true
	out := cp
	return &out, nil
}

func (f *fakeRepo) ActiveJobExists(ctx context.Context, tx *dbtx.Tx, jobKey string) (bool, error) {
	return f.activeKeys[jobKey], nil
}

func (f *fakeRepo) UpdateJobStatus(ctx context.Context, tx *dbtx.Tx, jobID int64, status types.JobStatus, errMsg *string, result []byte) (*types.ReconciliationJob, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, filestore.ErrNotFound.New("no job %d", jobID)
	}
	j.Status = status
	j.Error = errMsg
	j.Result = result
	if status == types.JobSucceeded || status == types.JobFailed || status == types.JobSkipped || status == types.JobCancelled {
		delete(f.activeKeys, j.JobKey)
	}
	out := *j
	return &out, nil
}

func (f *fakeRepo) ListAuditCandidates(ctx context.Context, tx *dbtx.Tx, limit int) ([]*types.Node, error) {
	var out []*types.Node
	for _, n := range f.byID {
		if n.State == types.StateInconsistent || n.State == types.StateMissing {
			cp := *n
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// fakeRollups is a no-op RollupApplier mirroring mutation_test's double.
type fakeRollups struct{}

func (f *fakeRollups) ApplyPlan(ctx context.Context, tx *dbtx.Tx, plan *rollup.Plan) (map[int64]*types.Rollup, error) {
	updated := make(map[int64]*types.Rollup, len(plan.TouchedNodeIDs))
	for _, id := range plan.TouchedNodeIDs {
		updated[id] = &types.Rollup{NodeID: id, State: types.RollupUpToDate}
	}
	return updated, nil
}

func (f *fakeRollups) AfterCommit(ctx context.Context, plan *rollup.Plan, updated map[int64]*types.Rollup) {}

type fakeBus struct {
	published []eventbus.Event
}

func (f *fakeBus) Publish(ctx context.Context, e eventbus.Event) error {
	f.published = append(f.published, e)
	return nil
}

// fakeBackend is an in-memory backend.Backend stand-in, identical in
// shape to the one in filestore/mutation's tests.
type fakeBackend struct {
	blobs map[string][]byte
	dirs  map[string]bool
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{blobs: map[string][]byte{}, dirs: map[string]bool{}}
}

func (f *fakeBackend) Stat(ctx context.Context, relativePath string) (backend.Stat, error) {
	if f.dirs[relativePath] {
		return backend.Stat{Exists: true, Kind: backend.KindDirectory}, nil
	}
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
	seen := map[string]bool{}
	for p := range f.blobs {
		rest := strings.TrimPrefix(p, prefix)
		if !strings.HasPrefix(p, prefix) || strings.Contains(rest, "/") || seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, backend.Entry{Name: rest, Kind: backend.KindFile})
	}
	for d := range f.dirs {
		rest := strings.TrimPrefix(d, prefix)
		if !strings.HasPrefix(d, prefix) || rest == "" || strings.Contains(rest, "/") || seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, backend.Entry{Name: rest, Kind: backend.KindDirectory})
	}
	return out, nil
}

func (f *fakeBackend) Delete(ctx context.Context, relativePath string, recursive bool) error {
	delete(f.blobs, relativePath)
	delete(f.dirs, relativePath)
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
