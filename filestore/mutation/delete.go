package mutation

import (
	"context"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// DeleteInput is the delete command's input (spec.md §4.3).
type DeleteInput struct {
	BackendMountID int64
	Path           string
	Recursive      bool
	IdempotencyKey *string
}

// Delete soft-deletes a node (State=deleted), and its descendants if
// Recursive. Backend artifacts are removed via C2 inside the same
// transaction: a failed backend delete aborts the whole command and the
// metadata rollback leaves the node active. Blobs already removed before
// the failure (earlier files of a recursive delete) stay removed.
func (p *Pipeline) Delete(ctx context.Context, in DeleteInput) (*types.Node, error) {
	path, err := types.NormalizePath(in.Path)
	if err != nil {
		return nil, filestore.ErrInvalidPath.Wrap(err)
	}
	b, err := p.getBackend(in.BackendMountID)
	if err != nil {
		return nil, err
	}

	return p.runCommand(ctx, in.BackendMountID, types.CommandDelete, in.IdempotencyKey, in,
		func(ctx context.Context, tx *dbtx.Tx) (outcome, error) {
			plan := rollup.NewPlan()

			node, err := p.repo.GetNodeByPath(ctx, tx, in.BackendMountID, path, true)
			if err != nil {
				return outcome{}, err
			}

			if node.Kind == types.KindDirectory {
				children, err := p.repo.ListChildren(ctx, tx, node.ID)
				if err != nil {
					return outcome{}, err
				}
				if len(children) > 0 && !in.Recursive {
					return outcome{}, filestore.ErrInvariantViolation.New("%q is not empty; recursive delete required", path)
				}
			}

			size, fileCount, dirCount, err := nodeContribution(ctx, p.repo, tx, node)
			if err != nil {
				return outcome{}, err
			}

			if err := deleteSubtree(ctx, p.repo, tx, b, node, plan); err != nil {
				return outcome{}, err
			}

			if node.ParentID != nil {
				if err := plan.AncestorChain(node.ParentID, -size, -fileCount, -dirCount, -1, ancestorWalker(ctx, p.repo, tx)); err != nil {
					return outcome{}, err
				}
			}

			return outcome{node: node, plan: plan}, nil
		},
		eventbus.TypeNodeDeleted,
		func(n *types.Node) map[string]interface{} {
			return map[string]interface{}{"nodeId": n.ID, "backendMountId": n.BackendMountID, "path": n.Path}
		},
	)
}

// deleteSubtree soft-deletes node and, recursively, its descendants, and
// removes the backend blob for every file encountered. Directory nodes
// have no backing blob and need no backend call.
func deleteSubtree(ctx context.Context, repo Repository, tx *dbtx.Tx, b backendDeleter, node *types.Node, plan *rollup.Plan) error {
	if node.Kind == types.KindDirectory {
		children, err := repo.ListChildren(ctx, tx, node.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := deleteSubtree(ctx, repo, tx, b, child, plan); err != nil {
				return err
			}
		}
	} else {
		if err := b.Delete(ctx, node.Path, false); err != nil {
			return filestore.ErrStorageWriteFailed.Wrap(err)
		}
	}

	node.State = types.StateDeleted
	updated, err := repo.UpdateNodeState(ctx, tx, node, true, false)
	if err != nil {
		return err
	}
	plan.EnsureNode(updated.ID)
	return nil
}

// backendDeleter is the slice of backend.Backend deleteSubtree needs.
type backendDeleter interface {
	Delete(ctx context.Context, relativePath string, recursive bool) error
}
