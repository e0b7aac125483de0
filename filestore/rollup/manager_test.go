package rollup_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

type fakeRepo struct {
	rollups map[int64]*types.Rollup
	parents map[int64]*int64
	calls   []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rollups: map[int64]*types.Rollup{}, parents: map[int64]*int64{}}
}

func (f *fakeRepo) EnsureRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64) (*types.Rollup, error) {
	f.calls = append(f.calls, "ensure:"+itoa(nodeID))
	if _, ok := f.rollups[nodeID]; !ok {
		f.rollups[nodeID] = &types.Rollup{NodeID: nodeID, State: types.RollupPending}
	}
	return f.rollups[nodeID], nil
}

func (f *fakeRepo) GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error) {
	return f.rollups[nodeID], nil
}

func (f *fakeRepo) ApplyDelta(ctx context.Context, tx *dbtx.Tx, d types.Delta) (*types.Rollup, error) {
	f.calls = append(f.calls, "delta:"+itoa(d.NodeID))
	r := f.rollups[d.NodeID]
	r.SizeBytes += d.SizeBytesDelta
	r.FileCount += d.FileCountDelta
	r.DirectoryCount += d.DirectoryCountDelta
	r.ChildCount += d.ChildCountDelta
	if d.MarkPending {
		r.State = types.RollupPending
	}
	return r, nil
}

func (f *fakeRepo) SetState(ctx context.Context, tx *dbtx.Tx, nodeID int64, state types.RollupState) (*types.Rollup, error) {
	f.calls = append(f.calls, "state:"+itoa(nodeID))
	r := f.rollups[nodeID]
	r.State = state
	return r, nil
}

func (f *fakeRepo) RecalculateRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64) (*types.Rollup, *int64, error) {
	r := f.rollups[nodeID]
	r.State = types.RollupUpToDate
	return r, f.parents[nodeID], nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error {
	return fn(ctx, nil)
}

type fakeEnqueuer struct {
	enqueued []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func TestManager_ApplyPlan_RunsEnsureThenIncrementThenInvalidate(t *testing.T) {
	repo := newFakeRepo()
	m := rollup.New(repo, fakeTxRunner{}, &fakeEnqueuer{}, rollup.DefaultConfig(), zap.NewNop())

	plan := rollup.NewPlan()
	plan.EnsureNode(2)
	plan.EnsureNode(1)
	plan.Increment(types.Delta{NodeID: 1, SizeBytesDelta: 5})
	plan.InvalidateNode(2, types.RollupInvalid)

	updated, err := m.ApplyPlan(context.Background(), nil, plan)
	require.NoError(t, err)
	require.Len(t, updated, 2)

	require.Equal(t, []string{"ensure:1", "ensure:2", "delta:1", "state:2"}, repo.calls)
	require.Equal(t, types.RollupInvalid, updated[2].State)
	require.EqualValues(t, 5, updated[1].SizeBytes)
}

func TestManager_AfterCommit_CachesUpdatedAndInvalidatesTouched(t *testing.T) {
	repo := newFakeRepo()
	m := rollup.New(repo, fakeTxRunner{}, &fakeEnqueuer{}, rollup.DefaultConfig(), zap.NewNop())

	plan := rollup.NewPlan()
	plan.Increment(types.Delta{NodeID: 1, SizeBytesDelta: 5})
	plan.EnsureNode(2) // touched, but not in `updated`

	updated := map[int64]*types.Rollup{1: {NodeID: 1, SizeBytes: 5, State: types.RollupUpToDate}}
	m.AfterCommit(context.Background(), plan, updated)

	cached, ok := m.CachedSummary(1)
	require.True(t, ok)
	require.EqualValues(t, 5, cached.SizeBytes)

	_, ok = m.CachedSummary(2)
	require.False(t, ok)
}

func TestManager_AfterCommit_SchedulesOnlyCandidatesAboveThreshold(t *testing.T) {
	repo := newFakeRepo()
	enq := &fakeEnqueuer{}
	cfg := rollup.DefaultConfig()
	cfg.DepthThreshold = 3
	cfg.ChildThreshold = 100
	m := rollup.New(repo, fakeTxRunner{}, enq, cfg, zap.NewNop())

	plan := rollup.NewPlan()
	plan.Schedule(rollup.ScheduleCandidate{NodeID: 1, Depth: 1, ChildCountDelta: 1})
	plan.Schedule(rollup.ScheduleCandidate{NodeID: 2, Depth: 5, ChildCountDelta: 0})

	m.AfterCommit(context.Background(), plan, map[int64]*types.Rollup{})

	require.Len(t, enq.enqueued, 1)
	require.Contains(t, enq.enqueued[0], "2")
}

func TestManager_RecalculateAndCascade_CascadesUpToRoot(t *testing.T) {
	repo := newFakeRepo()
	repo.rollups[1] = &types.Rollup{NodeID: 1}
	repo.rollups[2] = &types.Rollup{NodeID: 2}
	repo.parents[1] = int64Ptr(2)
	repo.parents[2] = nil

	m := rollup.New(repo, fakeTxRunner{}, &fakeEnqueuer{}, rollup.DefaultConfig(), zap.NewNop())
	err := m.RecalculateAndCascade(context.Background(), 1)
	require.NoError(t, err)

	_, ok := m.CachedSummary(1)
	require.True(t, ok)
	_, ok = m.CachedSummary(2)
	require.True(t, ok)
}

func TestManager_RecalculateAndCascade_RespectsMaxCascadeDepth(t *testing.T) {
	repo := newFakeRepo()
	// A long chain: 1 -> 2 -> 3 -> 4 -> nil
	repo.rollups[1] = &types.Rollup{NodeID: 1}
	repo.rollups[2] = &types.Rollup{NodeID: 2}
	repo.rollups[3] = &types.Rollup{NodeID: 3}
	repo.rollups[4] = &types.Rollup{NodeID: 4}
	repo.parents[1] = int64Ptr(2)
	repo.parents[2] = int64Ptr(3)
	repo.parents[3] = int64Ptr(4)
	repo.parents[4] = nil

	cfg := rollup.DefaultConfig()
	cfg.MaxCascadeDepth = 2
	m := rollup.New(repo, fakeTxRunner{}, &fakeEnqueuer{}, cfg, zap.NewNop())

	err := m.RecalculateAndCascade(context.Background(), 1)
	require.NoError(t, err)

	_, ok := m.CachedSummary(2)
	require.True(t, ok)
	_, ok = m.CachedSummary(3)
	require.False(t, ok)
	_, ok = m.CachedSummary(4)
	require.False(t, ok)
}
