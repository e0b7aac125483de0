package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/filestore/reconcile"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/queue"
)

const mountID = int64(1)

func newManager(t *testing.T, repo *fakeRepo, b *fakeBackend, bus *fakeBus, q queue.Queue) *reconcile.Manager {
	t.Helper()
	registry := backend.NewRegistry()
	registry.Register(mountID, b)
	cfg := reconcile.DefaultConfig()
	now := func() time.Time { return time.Unix(0, 0) }
	return reconcile.New(repo, registry, &fakeRollups{}, bus, q, cfg, zap.NewNop(), now)
}

func seedDirectory(repo *fakeRepo, path string, parentID *int64) *types.Node {
	n, err := repo.InsertNode(context.Background(), nil, &types.Node{
		BackendMountID: mountID,
		Path:           path,
		Name:           types.BaseName(path),
		Depth:          types.Depth(path),
		ParentID:       parentID,
		Kind:           types.KindDirectory,
		State:          types.StateActive,
	})
	if err != nil {
		panic(err)
	}
	return n
}

func seedFile(repo *fakeRepo, path string, parentID *int64, size int64) *types.Node {
	n, err := repo.InsertNode(context.Background(), nil, &types.Node{
		BackendMountID: mountID,
		Path:           path,
		Name:           types.BaseName(path),
		Depth:          types.Depth(path),
		ParentID:       parentID,
		Kind:           types.KindFile,
		State:          types.StateActive,
		SizeBytes:      size,
	})
	if err != nil {
		panic(err)
	}
	return n
}

func TestManager_TriggerDrift_BackendMissingMarksNodeMissing(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	root := seedDirectory(repo, "docs", nil)
	file := seedFile(repo, "docs/report.csv", &root.ID, 42)

	b := newFakeBackend()
	// backend has no blob at docs/report.csv: drift, file went missing.

	bus := &fakeBus{}
	q := queue.NewInlineQueue()
	m := newManager(t, repo, b, bus, q)

	require.NoError(t, m.TriggerDrift(ctx, mountID, file.Path))

	got, err := repo.GetNodeByID(ctx, nil, file.ID, false)
	require.NoError(t, err)
	require.Equal(t, types.StateMissing, got.State)
	require.Equal(t, types.ConsistencyMissing, got.ConsistencyState)

	var sawMissing, sawCompleted bool
	for _, e := range bus.published {
		switch e.Type {
		case eventbus.TypeNodeMissing:
			sawMissing = true
		case eventbus.TypeJobCompleted:
			sawCompleted = true
		}
	}
	require.True(t, sawMissing, "expected node.missing event")
	require.True(t, sawCompleted, "expected reconciliation.job.completed event")
}

func TestManager_TriggerDrift_BackendPresentNodeMissingDiscoversNode(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	root := seedDirectory(repo, "uploads", nil)

	b := newFakeBackend()
	b.blobs["uploads/new.bin"] = []byte("hello")

	bus := &fakeBus{}
	q := queue.NewInlineQueue()
	m := newManager(t, repo, b, bus, q)

	require.NoError(t, m.TriggerDrift(ctx, mountID, "uploads/new.bin"))

	got, err := repo.GetNodeByPath(ctx, nil, mountID, "uploads/new.bin", false)
	require.NoError(t, err)
	require.Equal(t, types.StateActive, got.State)
	require.Equal(t, int64(len("hello")), got.SizeBytes)
	require.NotNil(t, got.ParentID)
	require.Equal(t, root.ID, *got.ParentID)

	var sawReconciled bool
	for _, e := range bus.published {
		if e.Type == eventbus.TypeNodeReconciled {
			sawReconciled = true
		}
	}
	require.True(t, sawReconciled, "expected node.reconciled event")
}

func TestManager_TriggerDrift_BackendAndNodeBothMissingSkips(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	b := newFakeBackend()
	bus := &fakeBus{}
	q := queue.NewInlineQueue()
	m := newManager(t, repo, b, bus, q)

	require.NoError(t, m.TriggerDrift(ctx, mountID, "ghost.txt"))

	var sawCancelled bool
	for _, e := range bus.published {
		if e.Type == eventbus.TypeJobCancelled {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled, "expected reconciliation.job.cancelled event for a skipped job")
}

func TestManager_TriggerDrift_RefreshesSizeOfExistingNode(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	root := seedDirectory(repo, "data", nil)
	file := seedFile(repo, "data/table.parquet", &root.ID, 10)

	b := newFakeBackend()
	b.blobs["data/table.parquet"] = make([]byte, 99)

	bus := &fakeBus{}
	q := queue.NewInlineQueue()
	m := newManager(t, repo, b, bus, q)

	require.NoError(t, m.TriggerDrift(ctx, mountID, file.Path))

	got, err := repo.GetNodeByID(ctx, nil, file.ID, false)
	require.NoError(t, err)
	require.Equal(t, int64(99), got.SizeBytes)
	require.Equal(t, types.ConsistencyConsistent, got.ConsistencyState)
}

func TestManager_Enqueue_CoalescesActiveJobForSameKey(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	seedFile(repo, "a.txt", nil, 1)

	b := newFakeBackend()
	bus := &fakeBus{}
	// a queue whose handler never runs, so the first job stays "active".
	q := &blockingQueue{}
	m := newManager(t, repo, b, bus, q)

	require.NoError(t, m.TriggerManual(ctx, mountID, "a.txt", false))
	require.NoError(t, m.TriggerManual(ctx, mountID, "a.txt", false))

	require.Equal(t, 1, len(repo.jobs), "second trigger should coalesce against the still-active job")
}

func TestManager_AuditSweep_EnqueuesInconsistentAndMissingNodes(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	root := seedDirectory(repo, "root", nil)
	stale := seedFile(repo, "root/stale.bin", &root.ID, 5)
	stale.State = types.StateMissing
	repo.byID[stale.ID] = stale
	fresh := seedFile(repo, "root/fresh.bin", &root.ID, 5)
	fresh.State = types.StateActive
	repo.byID[fresh.ID] = fresh

	b := newFakeBackend()
	b.blobs["root/stale.bin"] = []byte("12345")
	bus := &fakeBus{}
	q := queue.NewInlineQueue()
	m := newManager(t, repo, b, bus, q)

	require.NoError(t, m.RunAuditSweep(ctx))

	var sawAuditJob bool
	for _, j := range repo.jobs {
		if j.Reason == types.ReasonAudit {
			sawAuditJob = true
		}
	}
	require.True(t, sawAuditJob, "expected the audit sweep to enqueue the missing node")
}

// blockingQueue records enqueued jobs without ever invoking a handler,
// simulating a durable backend where the job hasn't been picked up yet.
type blockingQueue struct {
	jobs []queue.Job
}

func (q *blockingQueue) Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error {
	q.jobs = append(q.jobs, queue.Job{ID: jobID, QueueName: queueName, Payload: payload})
	return nil
}
func (q *blockingQueue) RegisterHandler(queueName string, handler queue.Handler) {}
func (q *blockingQueue) Start(ctx context.Context) error                        { return nil }
func (q *blockingQueue) Stop()                                                  {}
func (q *blockingQueue) Stats(queueName string) queue.BackendStats              { return queue.BackendStats{} }

var _ queue.Queue = (*blockingQueue)(nil)
