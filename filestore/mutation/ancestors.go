package mutation

import (
	"context"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// ensureDirectoryChain walks parentPath from the mount root, creating any
// missing ancestor directory node along the way ("mkdir -p" semantics
// implied by spec.md §4.3's create-directory contract, applied here to
// every command that materializes a node at a fresh path). It returns the
// immediate parent's id (nil if parentPath is the mount root) and the set
// of directory nodes it newly created, so the caller can fold their
// directoryCount contribution into the rollup plan.
func ensureDirectoryChain(ctx context.Context, repo Repository, tx *dbtx.Tx, mountID int64, parentPath string) (*int64, []*types.Node, error) {
	if parentPath == "" {
		return nil, nil, nil
	}

	segments := splitPath(parentPath)
	var parentID *int64
	var created []*types.Node
	prefix := ""

	for i, seg := range segments {
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + "/" + seg
		}

		existing, err := repo.GetNodeByPath(ctx, tx, mountID, prefix, true)
		if err == nil {
			if existing.Kind != types.KindDirectory {
				return nil, nil, filestore.ErrPathInUse.New("%q exists and is not a directory", prefix)
			}
			parentID = &existing.ID
			continue
		}
		if !filestore.ErrNotFound.Has(err) {
			return nil, nil, err
		}

		n, err := repo.InsertNode(ctx, tx, &types.Node{
			BackendMountID:   mountID,
			Path:             prefix,
			Name:             seg,
			Depth:            i + 1,
			ParentID:         parentID,
			Kind:             types.KindDirectory,
			State:            types.StateActive,
			ConsistencyState: types.ConsistencyConsistent,
		})
		if err != nil {
			return nil, nil, err
		}
		created = append(created, n)
		parentID = &n.ID
	}
	return parentID, created, nil
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}
