package rollup

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/internal/sync2"
)

// recalcPayload is the wire shape enqueued onto cfg.QueueName.
type recalcPayload struct {
	NodeID         int64  `json:"nodeId"`
	BackendMountID int64  `json:"backendMountId"`
	Reason         string `json:"reason"`
}

func (p recalcPayload) jobID() string {
	return "rollup-recalc:" + strconv.FormatInt(p.NodeID, 10)
}

func (p recalcPayload) marshal() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// recalcPayload has no unmarshalable fields; a failure here is a
		// programming error, not a runtime condition callers can act on.
		panic(err)
	}
	return b
}

// StartWorker launches a background Cycle that drains cfg.QueueName,
// recalculating and cascading one node per job. Pull is the function the
// caller's queue consumer uses to fetch the next payload; it should block
// until a job is available or ctx is done, and return ok=false on the
// latter (spec.md §4.4 "recalculation worker").
func (m *Manager) StartWorker(ctx context.Context, pull func(ctx context.Context) (payload []byte, ack func(), ok bool, err error)) {
	m.cycle = sync2.NewCycle(0)
	go m.cycle.Start(ctx, func(ctx context.Context) error {
		for {
			raw, ack, ok, err := pull(ctx)
			if err != nil {
				m.log.Error("rollup: queue pull failed", zap.Error(err))
				return nil
			}
			if !ok {
				return nil
			}
			var p recalcPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				m.log.Error("rollup: malformed recalculation payload", zap.Error(err))
				ack()
				continue
			}
			if err := m.RecalculateAndCascade(ctx, p.NodeID); err != nil {
				m.log.Error("rollup: recalculation failed", zap.Error(err), zap.Int64("nodeId", p.NodeID))
			}
			ack()
		}
	})
}

// StopWorker stops the background recalculation Cycle, if running.
func (m *Manager) StopWorker() {
	if m.cycle != nil {
		m.cycle.Stop()
	}
}

// RecalculateAndCascade recomputes nodeID's rollup from its children, then
// walks upward recomputing each ancestor in turn until it reaches the
// tree root, a recalculated rollup is not up_to_date, or
// cfg.MaxCascadeDepth nodes have been recalculated, whichever comes first
// (spec.md §4.4). A visited set guards against any cycle a corrupt parent
// chain might otherwise cause.
func (m *Manager) RecalculateAndCascade(ctx context.Context, nodeID int64) error {
	visited := make(map[int64]bool)
	depth := 0

	return m.db.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		current := &nodeID
		for current != nil {
			if depth >= m.cfg.MaxCascadeDepth {
				m.log.Warn("rollup: cascade depth limit reached", zap.Int64("nodeId", *current), zap.Int("maxCascadeDepth", m.cfg.MaxCascadeDepth))
				return nil
			}
			if visited[*current] {
				m.log.Warn("rollup: cycle detected in ancestor chain, aborting cascade", zap.Int64("nodeId", *current))
				return nil
			}
			visited[*current] = true

			r, parentID, err := m.repo.RecalculateRollup(ctx, tx, *current)
			if err != nil {
				return err
			}
			m.cache.Set(*current, *r)

			if r.State != types.RollupUpToDate {
				// children below *current are still stale; recalculating
				// further ancestors now would only propagate garbage.
				return nil
			}

			current = parentID
			depth++
		}
		return nil
	})
}
