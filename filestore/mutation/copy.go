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

// CopyInput is the copy command's input (spec.md §4.3). Same mount only.
type CopyInput struct {
	BackendMountID int64
	FromPath       string
	ToPath         string
	IdempotencyKey *string
}

// Copy duplicates a node and its descendants to ToPath, creating fresh
// node rows in one transaction. Once that transaction commits, every
// file's blob is duplicated through C2. A blob copy that fails at that
// point is logged and does not fail the command: the new node row stays
// without its backend artifact.
func (p *Pipeline) Copy(ctx context.Context, in CopyInput) (*types.Node, error) {
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

	var blobCopies [][2]string // {srcRelPath, dstRelPath}, executed after commit succeeds

	node, err := p.runCommand(ctx, in.BackendMountID, types.CommandCopy, in.IdempotencyKey, in,
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

			parentID, createdAncestors, err := ensureDirectoryChain(ctx, p.repo, tx, in.BackendMountID, types.ParentPath(toPath))
			if err != nil {
				return outcome{}, err
			}
			if err := addAncestorDirCounts(ctx, p.repo, tx, plan, createdAncestors); err != nil {
				return outcome{}, err
			}

			root, copies, err := copySubtree(ctx, p.repo, tx, src, fromPath, toPath, parentID)
			if err != nil {
				return outcome{}, err
			}
			blobCopies = copies
			plan.EnsureNode(root.ID)

			size, fileCount, dirCount, err := nodeContribution(ctx, p.repo, tx, src)
			if err != nil {
				return outcome{}, err
			}
			if parentID != nil {
				if err := plan.AncestorChain(parentID, size, fileCount, dirCount, 1, ancestorWalker(ctx, p.repo, tx)); err != nil {
					return outcome{}, err
				}
			}

			return outcome{node: root, plan: plan}, nil
		},
		eventbus.TypeNodeCopied,
		func(n *types.Node) map[string]interface{} {
			return map[string]interface{}{"nodeId": n.ID, "backendMountId": n.BackendMountID, "from": fromPath, "to": n.Path}
		},
	)
	if err == nil {
		for _, cp := range blobCopies {
			if cpErr := b.Copy(ctx, cp[0], cp[1]); cpErr != nil {
				p.log.Error("mutation: backend copy failed after commit", zap.Error(cpErr))
			}
		}
	}
	return node, err
}

// copySubtree recursively materializes fresh node rows for node and its
// descendants under newParentID, rooted at newPath. It returns the newly
// created root node and the set of file blob copies the backend still
// needs to perform.
func copySubtree(ctx context.Context, repo Repository, tx *dbtx.Tx, node *types.Node, oldPrefix, newPath string, newParentID *int64) (*types.Node, [][2]string, error) {
	created, err := repo.InsertNode(ctx, tx, &types.Node{
		BackendMountID:   node.BackendMountID,
		Path:             newPath,
		Name:             types.BaseName(newPath),
		Depth:            types.Depth(newPath),
		ParentID:         newParentID,
		Kind:             node.Kind,
		State:            types.StateActive,
		SizeBytes:        node.SizeBytes,
		Checksum:         node.Checksum,
		Metadata:         node.Metadata,
		ConsistencyState: types.ConsistencyConsistent,
	})
	if err != nil {
		return nil, nil, err
	}

	if node.Kind == types.KindFile {
		return created, [][2]string{{node.Path, newPath}}, nil
	}

	children, err := repo.ListChildren(ctx, tx, node.ID)
	if err != nil {
		return nil, nil, err
	}
	var blobCopies [][2]string
	for _, child := range children {
		childNewPath := newPath + strings.TrimPrefix(child.Path, oldPrefix)
		_, sub, err := copySubtree(ctx, repo, tx, child, oldPrefix, childNewPath, &created.ID)
		if err != nil {
			return nil, nil, err
		}
		blobCopies = append(blobCopies, sub...)
	}
	return created, blobCopies, nil
}
