package mutation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// MoveInput is the move command's input (spec.md §4.3). Same mount only.
type MoveInput struct {
	BackendMountID int64
	FromPath       string
	ToPath         string
	IdempotencyKey *string
}

// Move moves a node and its descendants to ToPath in one transaction,
// updating paths, parentIds, and depths atomically, then relocates the
// backend artifact(s) for every file in the subtree.
func (p *Pipeline) Move(ctx context.Context, in MoveInput) (*types.Node, error) {
	fromPath, err := types.NormalizePath(in.FromPath)
	if err != nil {
		return nil, filestore.ErrInvalidPath.Wrap(err)
	}
	toPath, err := types.NormalizePath(in.ToPath)
	if err != nil {
		return nil, filestore.ErrInvalidPath.Wrap(err)
	}
	b, err := p.getBackend(in.BackendMountID)
	if err != nil {
		return nil, err
	}

	var fileMoves [][2]string // {oldRelPath, newRelPath}, executed after commit succeeds

	node, err := p.runCommand(ctx, in.BackendMountID, types.CommandMove, in.IdempotencyKey, in,
		func(ctx context.Context, tx *dbtx.Tx) (outcome, error) {
			plan := rollup.NewPlan()

			src, err := p.repo.GetNodeByPath(ctx, tx, in.BackendMountID, fromPath, true)
			if err != nil {
				return outcome{}, err
			}
			if _, err := p.repo.GetNodeByPath(ctx, tx, in.BackendMountID, toPath, true); err == nil {
				return outcome{}, filestore.ErrPathInUse.New("%q already exists", toPath)
			} else if !filestore.ErrNotFound.Has(err) {
				return outcome{}, err
			}

			newParentID, createdAncestors, err := ensureDirectoryChain(ctx, p.repo, tx, in.BackendMountID, types.ParentPath(toPath))
			if err != nil {
				return outcome{}, err
			}
			if err := addAncestorDirCounts(ctx, p.repo, tx, plan, createdAncestors); err != nil {
				return outcome{}, err
			}

			size, fileCount, dirCount, err := nodeContribution(ctx, p.repo, tx, src)
			if err != nil {
				return outcome{}, err
			}

			oldParentID := src.ParentID
			depthDelta := types.Depth(toPath) - types.Depth(fromPath)

			if oldParentID != nil {
				if err := plan.AncestorChain(oldParentID, -size, -fileCount, -dirCount, -1, ancestorWalker(ctx, p.repo, tx)); err != nil {
					return outcome{}, err
				}
			}
			if newParentID != nil {
				if err := plan.AncestorChain(newParentID, size, fileCount, dirCount, 1, ancestorWalker(ctx, p.repo, tx)); err != nil {
					return outcome{}, err
				}
			}

			fileMoves, err = collectFileMoves(ctx, p.repo, tx, src, fromPath, toPath)
			if err != nil {
				return outcome{}, err
			}

			src.Path = toPath
			src.Name = types.BaseName(toPath)
			src.Depth = types.Depth(toPath)
			src.ParentID = newParentID
			node, err := p.repo.UpdateNodeState(ctx, tx, src, false, false)
			if err != nil {
				return outcome{}, err
			}
			plan.EnsureNode(node.ID)

			if err := retitleDescendants(ctx, p.repo, tx, node.ID, fromPath, toPath, depthDelta); err != nil {
				return outcome{}, err
			}

			return outcome{node: node, plan: plan}, nil
		},
		eventbus.TypeNodeMoved,
		func(n *types.Node) map[string]interface{} {
			return map[string]interface{}{"nodeId": n.ID, "backendMountId": n.BackendMountID, "from": fromPath, "to": n.Path}
		},
	)
	if err == nil {
		for _, mv := range fileMoves {
			if mvErr := b.Move(ctx, mv[0], mv[1]); mvErr != nil {
				p.log.Error("mutation: backend move failed after commit", zap.Error(mvErr))
			}
		}
	}
	return node, err
}

// nodeContribution returns the {sizeBytes, fileCount, directoryCount}
// src itself contributes to its parent's rollup: a file contributes its
// own size; a directory contributes its rollup's aggregate plus one for
// itself (spec.md §4.4 "active contribution").
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

// collectFileMoves walks node's subtree and returns the backend relative
// path pairs every file in it must be moved through, computed before any
// path rewrite happens.
func collectFileMoves(ctx context.Context, repo Repository, tx *dbtx.Tx, node *types.Node, oldPrefix, newPrefix string) ([][2]string, error) {
	var out [][2]string
	if node.Kind == types.KindFile {
		out = append(out, [2]string{node.Path, newPrefix})
		return out, nil
	}
	children, err := repo.ListChildren(ctx, tx, node.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNewPrefix := newPrefix + strings.TrimPrefix(child.Path, oldPrefix)
		sub, err := collectFileMoves(ctx, repo, tx, child, oldPrefix, childNewPrefix)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// retitleDescendants recursively rewrites path/depth for every descendant
// of a just-renamed node id; parentId links are untouched since only the
// top node's parent changes in a move.
func retitleDescendants(ctx context.Context, repo Repository, tx *dbtx.Tx, parentID int64, oldPrefix, newPrefix string, depthDelta int) error {
	children, err := repo.ListChildren(ctx, tx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		child.Path = newPrefix + strings.TrimPrefix(child.Path, oldPrefix)
		child.Depth += depthDelta
		updated, err := repo.UpdateNodeState(ctx, tx, child, false, false)
		if err != nil {
			return err
		}
		if err := retitleDescendants(ctx, repo, tx, updated.ID, oldPrefix, newPrefix, depthDelta); err != nil {
			return err
		}
	}
	return nil
}
