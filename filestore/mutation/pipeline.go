// Package mutation is the C3 mutation pipeline: idempotent command
// handlers (create-directory, upload-file, move, copy, delete,
// patch-metadata) described in spec.md §4.3. Each command resolves its
// nodes with row locks, validates invariants, builds a rollup plan for
// the affected subtree, executes the backend side-effect, and commits a
// journal entry in the same transaction; post-commit it refreshes the
// rollup cache and publishes an event.
package mutation

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// Repository is the slice of metastore.Store the mutation pipeline needs.
type Repository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error
	GetNodeByPath(ctx context.Context, tx *dbtx.Tx, backendMountID int64, path string, forUpdate bool) (*types.Node, error)
	GetNodeByID(ctx context.Context, tx *dbtx.Tx, id int64, forUpdate bool) (*types.Node, error)
	InsertNode(ctx context.Context, tx *dbtx.Tx, n *types.Node) (*types.Node, error)
	UpdateNodeState(ctx context.Context, tx *dbtx.Tx, n *types.Node, touchModified, touchReconciled bool) (*types.Node, error)
	ListChildren(ctx context.Context, tx *dbtx.Tx, parentID int64) ([]*types.Node, error)
	AppendJournal(ctx context.Context, tx *dbtx.Tx, e *types.JournalEntry) (*types.JournalEntry, error)
	FindByIdempotencyKey(ctx context.Context, tx *dbtx.Tx, backendMountID int64, key string) (*types.JournalEntry, error)
	GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error)
}

// RollupApplier is the slice of *rollup.Manager the pipeline drives.
type RollupApplier interface {
	ApplyPlan(ctx context.Context, tx *dbtx.Tx, plan *rollup.Plan) (map[int64]*types.Rollup, error)
	AfterCommit(ctx context.Context, plan *rollup.Plan, updated map[int64]*types.Rollup)
}

// Publisher is the slice of eventbus.Bus the pipeline needs to emit
// node lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) error
}

// NowFunc returns the current time; overridden by tests so commits are
// deterministic without sleeping on wall-clock time.
type NowFunc func() time.Time

// Pipeline wires the C1 repository, C2 backend registry, C4 rollup
// manager, and C6 event bus together into the six commands spec.md
// §4.3 names.
type Pipeline struct {
	repo     Repository
	backends *backend.Registry
	rollups  RollupApplier
	bus      Publisher
	log      *zap.Logger
	now      NowFunc
}

// New builds a Pipeline. now is typically time.Now; tests supply a fixed
// clock.
func New(repo Repository, backends *backend.Registry, rollups RollupApplier, bus Publisher, log *zap.Logger, now NowFunc) *Pipeline {
	return &Pipeline{repo: repo, backends: backends, rollups: rollups, bus: bus, log: log, now: now}
}

// outcome is the (node, plan, updated rollups) triple a command handler
// produces inside its transaction, before the journal entry is appended.
type outcome struct {
	node    *types.Node
	plan    *rollup.Plan
	updated map[int64]*types.Rollup
}

// runCommand is the shared skeleton every command follows: idempotency
// lookup, transactional execution, journal append, and post-commit
// cache/event hooks (spec.md §4.3 steps a-f).
func (p *Pipeline) runCommand(
	ctx context.Context,
	backendMountID int64,
	kind types.CommandKind,
	idempotencyKey *string,
	input interface{},
	exec func(ctx context.Context, tx *dbtx.Tx) (outcome, error),
	eventType eventbus.Type,
	eventData func(*types.Node) map[string]interface{},
) (*types.Node, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	var result *types.Node
	var committedOutcome outcome
	replayed := false

	err = p.repo.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		if idempotencyKey != nil {
			if entry, err := p.repo.FindByIdempotencyKey(ctx, tx, backendMountID, *idempotencyKey); err != nil {
				return err
			} else if entry != nil {
				var n types.Node
				if err := json.Unmarshal(entry.Result, &n); err != nil {
					return filestore.ErrIdempotencyReplayMismatch.Wrap(err)
				}
				result = &n
				replayed = true
				return nil
			}
		}

		out, err := exec(ctx, tx)
		if err != nil {
			return err
		}

		updated, err := p.rollups.ApplyPlan(ctx, tx, out.plan)
		if err != nil {
			return err
		}
		out.updated = updated

		resultJSON, err := json.Marshal(out.node)
		if err != nil {
			return err
		}
		if _, err := p.repo.AppendJournal(ctx, tx, &types.JournalEntry{
			NodeID:         out.node.ID,
			BackendMountID: backendMountID,
			Command:        kind,
			Payload:        payload,
			Result:         resultJSON,
			IdempotencyKey: idempotencyKey,
		}); err != nil {
			return err
		}

		result = out.node
		committedOutcome = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return result, nil
	}

	p.rollups.AfterCommit(ctx, committedOutcome.plan, committedOutcome.updated)
	if p.bus != nil && eventData != nil {
		_ = p.bus.Publish(ctx, eventbus.New(eventType, eventData(result), p.now()))
	}
	return result, nil
}

func (p *Pipeline) getBackend(mountID int64) (backend.Backend, error) {
	b, ok := p.backends.Get(mountID)
	if !ok {
		return nil, filestore.ErrBackendUnavailable.New("no backend registered for mount %d", mountID)
	}
	return b, nil
}
