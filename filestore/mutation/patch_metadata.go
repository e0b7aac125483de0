package mutation

import (
	"context"

	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
)

// PatchMetadataInput is the patch-metadata command's input (spec.md §4.3).
// Set merges keys into the node's existing metadata; Unset removes keys.
// Unset is applied after Set, so a key present in both is removed.
type PatchMetadataInput struct {
	BackendMountID int64
	Path           string
	Set            map[string]string
	Unset          []string
	IdempotencyKey *string
}

// PatchMetadata updates a node's metadata in place. No rollup or backend
// side-effect is involved; the node's own row is the only thing touched.
func (p *Pipeline) PatchMetadata(ctx context.Context, in PatchMetadataInput) (*types.Node, error) {
	path, err := types.NormalizePath(in.Path)
	if err != nil {
		return nil, filestore.ErrInvalidPath.Wrap(err)
	}

	return p.runCommand(ctx, in.BackendMountID, types.CommandPatchMetadata, in.IdempotencyKey, in,
		func(ctx context.Context, tx *dbtx.Tx) (outcome, error) {
			node, err := p.repo.GetNodeByPath(ctx, tx, in.BackendMountID, path, true)
			if err != nil {
				return outcome{}, err
			}

			merged := make(map[string]string, len(node.Metadata)+len(in.Set))
			for k, v := range node.Metadata {
				merged[k] = v
			}
			for k, v := range in.Set {
				merged[k] = v
			}
			for _, k := range in.Unset {
				delete(merged, k)
			}
			node.Metadata = merged

			updated, err := p.repo.UpdateNodeState(ctx, tx, node, false, false)
			if err != nil {
				return outcome{}, err
			}

			plan := rollup.NewPlan()
			plan.EnsureNode(updated.ID)
			return outcome{node: updated, plan: plan}, nil
		},
		eventbus.Type(""),
		nil,
	)
}
