// Package reconcile is the C5 reconciliation manager: drift/audit/manual
// triggers enqueue jobs keyed `reconcile:<mountId>:<path>`, coalesced so
// at most one is active per key, and a worker drains them against the C2
// backend to re-harmonize metadata with storage ground truth (spec.md
// §4.5).
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/internal/sync2"
	"github.com/corestratum/dataplatform/queue"
)

// Repository is the slice of metastore.Store the reconciliation manager
// needs.
type Repository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error
	GetNodeByID(ctx context.Context, tx *dbtx.Tx, id int64, forUpdate bool) (*types.Node, error)
	GetNodeByPath(ctx context.Context, tx *dbtx.Tx, backendMountID int64, path string, forUpdate bool) (*types.Node, error)
	InsertNode(ctx context.Context, tx *dbtx.Tx, n *types.Node) (*types.Node, error)
	UpdateNodeState(ctx context.Context, tx *dbtx.Tx, n *types.Node, touchModified, touchReconciled bool) (*types.Node, error)
	ListChildren(ctx context.Context, tx *dbtx.Tx, parentID int64) ([]*types.Node, error)
	GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error)
	InsertReconciliationJob(ctx context.Context, tx *dbtx.Tx, j *types.ReconciliationJob) (*types.ReconciliationJob, error)
	ActiveJobExists(ctx context.Context, tx *dbtx.Tx, jobKey string) (bool, error)
	UpdateJobStatus(ctx context.Context, tx *dbtx.Tx, jobID int64, status types.JobStatus, errMsg *string, result []byte) (*types.ReconciliationJob, error)
	ListAuditCandidates(ctx context.Context, tx *dbtx.Tx, limit int) ([]*types.Node, error)
}

// RollupApplier is the slice of *rollup.Manager the reconciliation
// algorithm drives, identical in shape to mutation.RollupApplier.
type RollupApplier interface {
	ApplyPlan(ctx context.Context, tx *dbtx.Tx, plan *rollup.Plan) (map[int64]*types.Rollup, error)
	AfterCommit(ctx context.Context, plan *rollup.Plan, updated map[int64]*types.Rollup)
}

// Publisher is the slice of eventbus.Bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) error
}

// NowFunc returns the current time; overridden by tests.
type NowFunc func() time.Time

// Config holds the reconciliation manager's tunables (spec.md §4.5).
type Config struct {
	AuditInterval  time.Duration
	AuditBatchSize int
	QueueName      string
}

// DefaultConfig returns spec.md §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		AuditInterval:  5 * time.Minute,
		AuditBatchSize: 100,
		QueueName:      "reconciliation",
	}
}

// Manager drives the C5 reconciliation pipeline: job submission
// (drift/audit/manual triggers) and, via HandleJob, job execution.
type Manager struct {
	repo     Repository
	backends *backend.Registry
	rollups  RollupApplier
	bus      Publisher
	queue    queue.Queue
	cfg      Config
	log      *zap.Logger
	now      NowFunc

	auditCycle *sync2.Cycle
}

// New wires a Manager and registers HandleJob on q for cfg.QueueName. The
// caller must still call queue.Start separately, and StartAuditSweep if
// the periodic audit trigger is desired.
func New(repo Repository, backends *backend.Registry, rollups RollupApplier, bus Publisher, q queue.Queue, cfg Config, log *zap.Logger, now NowFunc) *Manager {
	m := &Manager{repo: repo, backends: backends, rollups: rollups, bus: bus, queue: q, cfg: cfg, log: log, now: now}
	q.RegisterHandler(cfg.QueueName, m.HandleJob)
	return m
}

func jobKey(mountID int64, path string) string {
	return fmt.Sprintf("reconcile:%d:%s", mountID, path)
}

// TriggerDrift enqueues a job for mountID/path with reason=drift,
// detectChildren=true (spec.md §4.5 "Drift").
func (m *Manager) TriggerDrift(ctx context.Context, mountID int64, path string) error {
	return m.enqueue(ctx, mountID, path, nil, types.ReasonDrift, true)
}

// TriggerManual enqueues an API-triggered job (spec.md §4.5 "Manual").
func (m *Manager) TriggerManual(ctx context.Context, mountID int64, path string, detectChildren bool) error {
	return m.enqueue(ctx, mountID, path, nil, types.ReasonManual, detectChildren)
}

// StartAuditSweep launches the periodic audit sweep on a background
// Cycle: every cfg.AuditInterval it selects up to cfg.AuditBatchSize
// inconsistent/missing nodes and triggers a job for each (spec.md §4.5
// "Audit").
func (m *Manager) StartAuditSweep(ctx context.Context) {
	m.auditCycle = sync2.NewCycle(m.cfg.AuditInterval)
	go m.auditCycle.Start(ctx, m.RunAuditSweep)
}

// StopAuditSweep stops the background audit Cycle, if running.
func (m *Manager) StopAuditSweep() {
	if m.auditCycle != nil {
		m.auditCycle.Stop()
	}
}

// RunAuditSweep runs a single audit pass synchronously: it lists up to
// cfg.AuditBatchSize inconsistent/missing nodes and triggers a job for
// each. StartAuditSweep calls this on every Cycle tick; callers needing a
// deterministic one-shot run (tests, an admin-triggered sweep) can call
// it directly.
func (m *Manager) RunAuditSweep(ctx context.Context) error {
	var candidates []*types.Node
	err := m.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		var err error
		candidates, err = m.repo.ListAuditCandidates(ctx, tx, m.cfg.AuditBatchSize)
		return err
	})
	if err != nil {
		m.log.Error("reconcile: audit sweep failed to list candidates", zap.Error(err))
		return nil
	}
	for _, n := range candidates {
		id := n.ID
		if err := m.enqueue(ctx, n.BackendMountID, n.Path, &id, types.ReasonAudit, n.Kind == types.KindDirectory); err != nil {
			m.log.Error("reconcile: audit sweep failed to enqueue", zap.Error(err), zap.Int64("nodeId", n.ID))
		}
	}
	return nil
}

// enqueue inserts a queued job row (unless one is already active for the
// same job key, per spec.md §3 "at most one active job exists") and, for
// a freshly inserted job, pushes its payload onto the queue and emits
// job.queued.
func (m *Manager) enqueue(ctx context.Context, mountID int64, path string, nodeID *int64, reason types.ReconciliationReason, detectChildren bool) error {
	key := jobKey(mountID, path)

	var job *types.ReconciliationJob
	err := m.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		active, err := m.repo.ActiveJobExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		job, err = m.repo.InsertReconciliationJob(ctx, tx, &types.ReconciliationJob{
			JobKey:         key,
			BackendMountID: mountID,
			Path:           path,
			NodeID:         nodeID,
			Reason:         reason,
			DetectChildren: detectChildren,
		})
		return err
	})
	if err != nil {
		return err
	}
	if job == nil {
		return nil // coalesced against an already-active job
	}

	payload := jobPayload{
		JobID: job.ID, JobKey: key, BackendMountID: mountID, Path: path,
		NodeID: nodeID, DetectChildren: detectChildren, Reason: reason,
	}
	if err := m.queue.Enqueue(ctx, m.cfg.QueueName, key, payload.marshal()); err != nil {
		return err
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, eventbus.New(eventbus.TypeJobQueued, map[string]interface{}{"jobKey": key, "reason": reason}, m.now()))
	}
	return nil
}

func (m *Manager) getBackend(mountID int64) (backend.Backend, error) {
	b, ok := m.backends.Get(mountID)
	if !ok {
		return nil, filestore.ErrBackendUnavailable.New("no backend registered for mount %d", mountID)
	}
	return b, nil
}
