package mutation

import (
	"context"
	"io"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// UploadFileInput is the upload-file command's input (spec.md §4.3).
// Content is read once, during the backend write; callers must supply a
// fresh reader per call.
type UploadFileInput struct {
	BackendMountID int64
	Path           string
	Content        io.Reader
	Metadata       map[string]string
	Overwrite      bool
	IdempotencyKey *string
}

// UploadFile writes content via C2, creating any missing ancestor
// directories first. Fails with PathInUse if Overwrite is false and a
// file already exists at Path. The checksum is computed on ingest by the
// backend adapter.
func (p *Pipeline) UploadFile(ctx context.Context, in UploadFileInput) (*types.Node, error) {
	path, err := types.NormalizePath(in.Path)
	if err != nil {
		return nil, filestore.ErrInvalidPath.Wrap(err)
	}
	b, err := p.getBackend(in.BackendMountID)
	if err != nil {
		return nil, err
	}

	var wrote bool

	node, err := p.runCommand(ctx, in.BackendMountID, types.CommandUploadFile, in.IdempotencyKey, struct {
		BackendMountID int64
		Path           string
		Metadata       map[string]string
		Overwrite      bool
	}{in.BackendMountID, path, in.Metadata, in.Overwrite},
		func(ctx context.Context, tx *dbtx.Tx) (outcome, error) {
			plan := rollup.NewPlan()

			parentID, createdAncestors, err := ensureDirectoryChain(ctx, p.repo, tx, in.BackendMountID, types.ParentPath(path))
			if err != nil {
				return outcome{}, err
			}
			if err := addAncestorDirCounts(ctx, p.repo, tx, plan, createdAncestors); err != nil {
				return outcome{}, err
			}

			existing, getErr := p.repo.GetNodeByPath(ctx, tx, in.BackendMountID, path, true)
			var isNew bool
			switch {
			case getErr == nil:
				if existing.Kind != types.KindFile {
					return outcome{}, filestore.ErrPathInUse.New("%q exists and is not a file", path)
				}
				if !in.Overwrite {
					return outcome{}, filestore.ErrPathInUse.New("%q already exists", path)
				}
			case filestore.ErrNotFound.Has(getErr):
				isNew = true
			default:
				return outcome{}, getErr
			}

			res, err := b.WriteBlob(ctx, path, in.Content)
			if err != nil {
				return outcome{}, filestore.ErrStorageWriteFailed.Wrap(err)
			}
			wrote = true

			checksum := res.Checksum
			var node *types.Node
			if isNew {
				node, err = p.repo.InsertNode(ctx, tx, &types.Node{
					BackendMountID:   in.BackendMountID,
					Path:             path,
					Name:             types.BaseName(path),
					Depth:            types.Depth(path),
					ParentID:         parentID,
					Kind:             types.KindFile,
					State:            types.StateActive,
					SizeBytes:        res.SizeBytes,
					Checksum:         &checksum,
					Metadata:         in.Metadata,
					ConsistencyState: types.ConsistencyConsistent,
				})
				if err != nil {
					return outcome{}, err
				}
				plan.EnsureNode(node.ID)
				if parentID != nil {
					if err := plan.AncestorChain(parentID, res.SizeBytes, 1, 0, 1, ancestorWalker(ctx, p.repo, tx)); err != nil {
						return outcome{}, err
					}
				}
			} else {
				sizeDelta := res.SizeBytes - existing.SizeBytes
				existing.SizeBytes = res.SizeBytes
				existing.Checksum = &checksum
				existing.Metadata = in.Metadata
				node, err = p.repo.UpdateNodeState(ctx, tx, existing, true, false)
				if err != nil {
					return outcome{}, err
				}
				plan.EnsureNode(node.ID)
				if node.ParentID != nil && sizeDelta != 0 {
					if err := plan.AncestorChain(node.ParentID, sizeDelta, 0, 0, 0, ancestorWalker(ctx, p.repo, tx)); err != nil {
						return outcome{}, err
					}
				}
			}

			return outcome{node: node, plan: plan}, nil
		},
		eventbus.TypeNodeUploaded,
		func(n *types.Node) map[string]interface{} {
			return map[string]interface{}{"nodeId": n.ID, "backendMountId": n.BackendMountID, "path": n.Path, "sizeBytes": n.SizeBytes}
		},
	)
	if err != nil && wrote {
		// Best-effort backend rollback: the write succeeded but the
		// transaction did not commit (spec.md §4.3).
		_ = b.Delete(context.Background(), path, false)
	}
	return node, err
}

// addAncestorDirCounts folds newly created ancestor directories into
// plan: each contributes +1 directoryCount (and, to its immediate
// parent only) +1 childCount up its own ancestor chain.
func addAncestorDirCounts(ctx context.Context, repo Repository, tx *dbtx.Tx, plan *rollup.Plan, createdAncestors []*types.Node) error {
	for _, dir := range createdAncestors {
		plan.EnsureNode(dir.ID)
		if dir.ParentID != nil {
			if err := plan.AncestorChain(dir.ParentID, 0, 0, 1, 1, ancestorWalker(ctx, repo, tx)); err != nil {
				return err
			}
		}
	}
	return nil
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
