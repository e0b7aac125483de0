package ingest

import (
	"fmt"

	"github.com/corestratum/dataplatform/timestore/types"
)

// diffSchema compares old against candidate by field name (spec.md §4.7
// step 2). identical=true means candidate carries no change at all; a
// non-nil error means an existing field changed type or was removed,
// which is incompatible and must fail the ingest. Otherwise added holds
// the fields present in candidate but not old, to be appended as a new
// schema version.
func diffSchema(old, candidate []types.SchemaField) (identical bool, added []types.SchemaField, err error) {
	byName := make(map[string]types.SchemaField, len(old))
	for _, f := range old {
		byName[f.Name] = f
	}

	seen := make(map[string]bool, len(candidate))
	for _, f := range candidate {
		seen[f.Name] = true
		existing, ok := byName[f.Name]
		if !ok {
			added = append(added, f)
			continue
		}
		if existing.Type != f.Type {
			return false, nil, fmt.Errorf("field %q changed type from %s to %s", f.Name, existing.Type, f.Type)
		}
	}
	for _, f := range old {
		if !seen[f.Name] {
			return false, nil, fmt.Errorf("field %q was removed", f.Name)
		}
	}
	return len(added) == 0, added, nil
}
