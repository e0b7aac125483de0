package mutation

import (
	"context"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// CreateDirectoryInput is the create-directory command's input (spec.md
// §4.3).
type CreateDirectoryInput struct {
	BackendMountID int64
	Path           string
	Metadata       map[string]string
	IdempotencyKey *string
}

// CreateDirectory creates all missing ancestor directories for Path,
// including Path itself. Idempotent given IdempotencyKey: a replay
// returns the original result without re-executing.
func (p *Pipeline) CreateDirectory(ctx context.Context, in CreateDirectoryInput) (*types.Node, error) {
	path, err := types.NormalizePath(in.Path)
	if err != nil {
		return nil, filestore.ErrInvalidPath.Wrap(err)
	}

	return p.runCommand(ctx, in.BackendMountID, types.CommandCreateDirectory, in.IdempotencyKey, in,
		func(ctx context.Context, tx *dbtx.Tx) (outcome, error) {
			plan := rollup.NewPlan()

			parentID, createdAncestors, err := ensureDirectoryChain(ctx, p.repo, tx, in.BackendMountID, types.ParentPath(path))
			if err != nil {
				return outcome{}, err
			}

			var leaf *types.Node
			existing, err := p.repo.GetNodeByPath(ctx, tx, in.BackendMountID, path, true)
			switch {
			case err == nil:
				if existing.Kind != types.KindDirectory {
					return outcome{}, filestore.ErrPathInUse.New("%q exists and is not a directory", path)
				}
				leaf = existing
			case filestore.ErrNotFound.Has(err):
				leaf, err = p.repo.InsertNode(ctx, tx, &types.Node{
					BackendMountID:   in.BackendMountID,
					Path:             path,
					Name:             types.BaseName(path),
					Depth:            types.Depth(path),
					ParentID:         parentID,
					Kind:             types.KindDirectory,
					State:            types.StateActive,
					Metadata:         in.Metadata,
					ConsistencyState: types.ConsistencyConsistent,
				})
				if err != nil {
					return outcome{}, err
				}
				createdAncestors = append(createdAncestors, leaf)
			default:
				return outcome{}, err
			}

			if err := addAncestorDirCounts(ctx, p.repo, tx, plan, createdAncestors); err != nil {
				return outcome{}, err
			}
			plan.EnsureNode(leaf.ID)

			return outcome{node: leaf, plan: plan}, nil
		},
		eventbus.TypeNodeCreated,
		func(n *types.Node) map[string]interface{} {
			return map[string]interface{}{"nodeId": n.ID, "backendMountId": n.BackendMountID, "path": n.Path}
		},
	)
}
