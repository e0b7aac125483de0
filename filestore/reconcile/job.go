package reconcile

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/queue"
)

// jobPayload is the wire shape enqueued onto cfg.QueueName.
type jobPayload struct {
	JobID          int64                      `json:"jobId"`
	JobKey         string                     `json:"jobKey"`
	BackendMountID int64                      `json:"backendMountId"`
	Path           string                     `json:"path"`
	NodeID         *int64                     `json:"nodeId,omitempty"`
	DetectChildren bool                       `json:"detectChildren"`
	Reason         types.ReconciliationReason `json:"reason"`
}

func (p jobPayload) marshal() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// jobPayload has no unmarshalable fields; a failure here is a
		// programming error, not a runtime condition callers can act on.
		panic(err)
	}
	return b
}

// childJobRequest is a job discovered while executing a parent job,
// scheduled only after the parent's own transaction commits (spec.md
// §4.5 step 5).
type childJobRequest struct {
	mountID        int64
	path           string
	detectChildren bool
}

// HandleJob is the queue.Handler this manager registers for cfg.QueueName.
func (m *Manager) HandleJob(ctx context.Context, job queue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		m.log.Error("reconcile: malformed job payload", zap.Error(err))
		return err
	}
	return m.runJob(ctx, p)
}

// runJob executes the per-job algorithm (spec.md §4.5 steps 1-6) in a
// single transaction: resolve the node, probe the backend, decide an
// outcome, apply the rollup plan, and record the job's terminal status.
// Post-commit it refreshes the rollup cache, emits lifecycle events, and
// schedules any child jobs discovered for a directory with
// detectChildren set.
func (m *Manager) runJob(ctx context.Context, p jobPayload) error {
	b, err := m.getBackend(p.BackendMountID)
	if err != nil {
		return m.fail(ctx, p, err)
	}
	m.publish(ctx, eventbus.TypeJobStarted, p, nil)

	var status types.JobStatus
	var plan *rollup.Plan
	var updated map[int64]*types.Rollup
	var children []childJobRequest
	var nodeEvent eventbus.Type
	var eventNode *types.Node

	err = m.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		if _, err := m.repo.UpdateJobStatus(ctx, tx, p.JobID, types.JobRunning, nil, nil); err != nil {
			return err
		}

		node, nodeMissing, err := m.resolveNode(ctx, tx, p)
		if err != nil {
			return err
		}

		stat, err := b.Stat(ctx, p.Path)
		if err != nil {
			return filestore.ErrBackendUnavailable.Wrap(err)
		}

		plan = rollup.NewPlan()

		switch {
		case !stat.Exists && nodeMissing:
			status = types.JobSkipped

		case !stat.Exists && !nodeMissing:
			node, err = m.markMissing(ctx, tx, node, plan)
			if err != nil {
				return err
			}
			status = types.JobSucceeded
			nodeEvent = eventbus.TypeNodeMissing

		case stat.Exists && nodeMissing:
			node, err = m.insertDiscovered(ctx, tx, p, stat, plan)
			if err != nil {
				return err
			}
			status = types.JobSucceeded
			nodeEvent = eventbus.TypeNodeReconciled

		default:
			node, err = m.refreshExisting(ctx, tx, node, stat, plan)
			if err != nil {
				return err
			}
			status = types.JobSucceeded
		}
		eventNode = node

		if updated, err = m.rollups.ApplyPlan(ctx, tx, plan); err != nil {
			return err
		}

		if node != nil && node.Kind == types.KindDirectory && p.DetectChildren {
			entries, err := b.List(ctx, p.Path)
			if err != nil {
				return filestore.ErrBackendUnavailable.Wrap(err)
			}
			for _, e := range entries {
				children = append(children, childJobRequest{
					mountID:        p.BackendMountID,
					path:           joinPath(p.Path, e.Name),
					detectChildren: e.Kind == backend.KindDirectory,
				})
			}
		}

		resultJSON, err := json.Marshal(types.Outcome{JobKey: p.JobKey, Status: status, NodeID: p.NodeID})
		if err != nil {
			return err
		}
		_, err = m.repo.UpdateJobStatus(ctx, tx, p.JobID, status, nil, resultJSON)
		return err
	})
	if err != nil {
		return m.fail(ctx, p, err)
	}

	m.rollups.AfterCommit(ctx, plan, updated)

	if nodeEvent != "" && eventNode != nil {
		m.publish(ctx, nodeEvent, p, map[string]interface{}{"nodeId": eventNode.ID})
	}

	eventType := eventbus.TypeJobCompleted
	if status == types.JobSkipped {
		eventType = eventbus.TypeJobCancelled
	}
	m.publish(ctx, eventType, p, nil)

	for _, child := range children {
		if err := m.enqueue(ctx, child.mountID, child.path, nil, types.ReasonDrift, child.detectChildren); err != nil {
			m.log.Error("reconcile: failed to schedule child job", zap.Error(err), zap.String("jobKey", jobKey(child.mountID, child.path)))
		}
	}
	return nil
}

// fail records a job as failed in its own transaction — used both when
// the initial backend lookup fails (before any transaction has started)
// and when the main transaction itself returns an error.
func (m *Manager) fail(ctx context.Context, p jobPayload, cause error) error {
	msg := cause.Error()
	if err := m.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		_, err := m.repo.UpdateJobStatus(ctx, tx, p.JobID, types.JobFailed, &msg, nil)
		return err
	}); err != nil {
		m.log.Error("reconcile: failed to record job failure", zap.Error(err), zap.String("jobKey", p.JobKey))
	}
	m.publish(ctx, eventbus.TypeJobFailed, p, map[string]interface{}{"error": msg})
	return cause
}

func (m *Manager) publish(ctx context.Context, t eventbus.Type, p jobPayload, extra map[string]interface{}) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{"jobKey": p.JobKey, "backendMountId": p.BackendMountID, "path": p.Path}
	for k, v := range extra {
		data[k] = v
	}
	_ = m.bus.Publish(ctx, eventbus.New(t, data, m.now()))
}

func (m *Manager) resolveNode(ctx context.Context, tx *dbtx.Tx, p jobPayload) (*types.Node, bool, error) {
	var node *types.Node
	var err error
	if p.NodeID != nil {
		node, err = m.repo.GetNodeByID(ctx, tx, *p.NodeID, true)
	} else {
		node, err = m.repo.GetNodeByPath(ctx, tx, p.BackendMountID, p.Path, true)
	}
	if err != nil {
		if filestore.ErrNotFound.Has(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return node, false, nil
}

// markMissing handles "backend missing, node exists": the node
// transitions to missing and its prior contribution is removed from its
// ancestor chain.
func (m *Manager) markMissing(ctx context.Context, tx *dbtx.Tx, node *types.Node, plan *rollup.Plan) (*types.Node, error) {
	size, fileCount, dirCount, err := nodeContribution(ctx, m.repo, tx, node)
	if err != nil {
		return nil, err
	}
	node.State = types.StateMissing
	node.ConsistencyState = types.ConsistencyMissing
	updated, err := m.repo.UpdateNodeState(ctx, tx, node, false, true)
	if err != nil {
		return nil, err
	}
	plan.EnsureNode(updated.ID)
	if updated.ParentID != nil {
		if err := plan.AncestorChain(updated.ParentID, -size, -fileCount, -dirCount, 0, ancestorWalker(ctx, m.repo, tx)); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// insertDiscovered handles "backend present, node missing": a fresh node
// row is materialized for a path the backend has but metadata never
// tracked. The immediate parent must already be tracked.
func (m *Manager) insertDiscovered(ctx context.Context, tx *dbtx.Tx, p jobPayload, stat backend.Stat, plan *rollup.Plan) (*types.Node, error) {
	parentID, err := m.resolveParent(ctx, tx, p.BackendMountID, p.Path)
	if err != nil {
		return nil, err
	}

	kind := types.KindFile
	if stat.Kind == backend.KindDirectory {
		kind = types.KindDirectory
	}

	inserted, err := m.repo.InsertNode(ctx, tx, &types.Node{
		BackendMountID:   p.BackendMountID,
		Path:             p.Path,
		Name:             types.BaseName(p.Path),
		Depth:            types.Depth(p.Path),
		ParentID:         parentID,
		Kind:             kind,
		State:            types.StateActive,
		SizeBytes:        stat.SizeBytes,
		ConsistencyState: types.ConsistencyConsistent,
	})
	if err != nil {
		return nil, err
	}
	plan.EnsureNode(inserted.ID)

	if parentID != nil {
		var fileCount, dirCount int64
		if kind == types.KindFile {
			fileCount = 1
		} else {
			dirCount = 1
		}
		if err := plan.AncestorChain(parentID, stat.SizeBytes, fileCount, dirCount, 1, ancestorWalker(ctx, m.repo, tx)); err != nil {
			return nil, err
		}
	}
	return inserted, nil
}

// refreshExisting handles "backend present, node exists": metadata is
// brought back in line with the probed size, and any size delta is
// propagated up the ancestor chain.
func (m *Manager) refreshExisting(ctx context.Context, tx *dbtx.Tx, node *types.Node, stat backend.Stat, plan *rollup.Plan) (*types.Node, error) {
	sizeDelta := stat.SizeBytes - node.SizeBytes
	node.SizeBytes = stat.SizeBytes
	node.State = types.StateActive
	node.ConsistencyState = types.ConsistencyConsistent
	updated, err := m.repo.UpdateNodeState(ctx, tx, node, false, true)
	if err != nil {
		return nil, err
	}
	plan.EnsureNode(updated.ID)
	if updated.ParentID != nil && sizeDelta != 0 {
		if err := plan.AncestorChain(updated.ParentID, sizeDelta, 0, 0, 0, ancestorWalker(ctx, m.repo, tx)); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (m *Manager) resolveParent(ctx context.Context, tx *dbtx.Tx, mountID int64, path string) (*int64, error) {
	parentPath := types.ParentPath(path)
	if parentPath == "" {
		return nil, nil
	}
	parent, err := m.repo.GetNodeByPath(ctx, tx, mountID, parentPath, true)
	if err != nil {
		if filestore.ErrNotFound.Has(err) {
			return nil, filestore.ErrParentNotFound.New("parent %q not tracked", parentPath)
		}
		return nil, err
	}
	return &parent.ID, nil
}

// nodeContribution mirrors mutation.nodeContribution: the {size, file,
// directory} triple a node contributes to its parent's rollup.
func nodeContribution(ctx context.Context, repo Repository, tx *dbtx.Tx, n *types.Node) (size, fileCount, dirCount int64, err error) {
	if n.Kind == types.KindFile {
		return n.SizeBytes, 1, 0, nil
	}
	r, err := repo.GetRollup(ctx, tx, n.ID, false)
	if err != nil {
		return 0, 0, 0, err
	}
	return r.SizeBytes, r.FileCount, r.DirectoryCount + 1, nil
}

func ancestorWalker(ctx context.Context, repo Repository, tx *dbtx.Tx) func(nodeID int64) (*int64, error) {
	return func(nodeID int64) (*int64, error) {
		n, err := repo.GetNodeByID(ctx, tx, nodeID, false)
		if err != nil {
			return nil, err
		}
		return n.ParentID, nil
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
