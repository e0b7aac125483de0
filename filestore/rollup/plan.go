// Package rollup implements the C4 rollup manager: building and applying
// RollupPlan values during a mutation transaction, caching summaries, and
// cascading recalculation up the ancestor chain (spec.md §4.4).
package rollup

import "github.com/corestratum/dataplatform/filestore/types"

// ScheduleCandidate is a node whose rollup may need background
// recalculation, evaluated against DepthThreshold/ChildThreshold by
// AfterCommit.
type ScheduleCandidate struct {
	NodeID         int64
	BackendMountID int64
	Reason         string
	Depth          int
	ChildCountDelta int64
}

// Invalidation marks a node's rollup as no longer trustworthy.
type Invalidation struct {
	NodeID int64
	State  types.RollupState
}

// Plan is the value spec.md §4.4 calls a RollupPlan: built synchronously
// by the mutation pipeline (C3) or the reconciliation manager (C5) inside
// their transaction, then executed by ApplyPlan before commit.
type Plan struct {
	Ensure             []int64
	Increments         []types.Delta
	Invalidate         []Invalidation
	TouchedNodeIDs     []int64
	ScheduleCandidates []ScheduleCandidate
}

// NewPlan returns an empty plan ready for incremental building.
func NewPlan() *Plan {
	return &Plan{}
}

// EnsureNode records that nodeID's rollup row must exist before increments
// are applied to it.
func (p *Plan) EnsureNode(nodeID int64) *Plan {
	p.Ensure = append(p.Ensure, nodeID)
	p.touch(nodeID)
	return p
}

// Increment records a signed delta to apply to nodeID's rollup.
func (p *Plan) Increment(d types.Delta) *Plan {
	p.Increments = append(p.Increments, d)
	p.touch(d.NodeID)
	return p
}

// InvalidateNode records that nodeID's rollup must transition to state
// without its counters being touched (SPEC_FULL.md §D decision 3).
func (p *Plan) InvalidateNode(nodeID int64, state types.RollupState) *Plan {
	p.Invalidate = append(p.Invalidate, Invalidation{NodeID: nodeID, State: state})
	p.touch(nodeID)
	return p
}

// Schedule records a background-recalculation candidate.
func (p *Plan) Schedule(c ScheduleCandidate) *Plan {
	p.ScheduleCandidates = append(p.ScheduleCandidates, c)
	return p
}

func (p *Plan) touch(nodeID int64) {
	for _, id := range p.TouchedNodeIDs {
		if id == nodeID {
			return
		}
	}
	p.TouchedNodeIDs = append(p.TouchedNodeIDs, nodeID)
}

// AncestorChain builds the increments for every ancestor from parent
// upward, given the immediate parent's id and a function to fetch the
// next parent. Only the immediate parent observes childCountDelta; every
// ancestor observes the size/file/directory deltas (spec.md §4.4).
func (p *Plan) AncestorChain(parentID *int64, sizeDelta, fileDelta, dirDelta, childCountDelta int64, nextParent func(nodeID int64) (*int64, error)) error {
	first := true
	for parentID != nil {
		p.EnsureNode(*parentID)
		d := types.Delta{
			NodeID:            *parentID,
			SizeBytesDelta:    sizeDelta,
			FileCountDelta:    fileDelta,
			DirectoryCountDelta: dirDelta,
		}
		if first {
			d.ChildCountDelta = childCountDelta
			first = false
		}
		p.Increment(d)

		next, err := nextParent(*parentID)
		if err != nil {
			return err
		}
		parentID = next
	}
	return nil
}
