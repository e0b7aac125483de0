package rollup_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/filestore/types"
)

func TestPlan_TouchedNodeIDsDeduplicates(t *testing.T) {
	p := rollup.NewPlan()
	p.EnsureNode(1)
	p.Increment(types.Delta{NodeID: 1, SizeBytesDelta: 10})
	p.InvalidateNode(1, types.RollupInvalid)
	p.EnsureNode(2)

	require.Equal(t, []int64{1, 2}, p.TouchedNodeIDs)
}

func TestPlan_AncestorChain_OnlyImmediateParentGetsChildCountDelta(t *testing.T) {
	p := rollup.NewPlan()
	parentOf := map[int64]*int64{
		10: int64Ptr(5),
		5:  int64Ptr(1),
		1:  nil,
	}
	parent := int64Ptr(10)
	err := p.AncestorChain(parent, 100, 1, 0, 1, func(nodeID int64) (*int64, error) {
		return parentOf[nodeID], nil
	})
	require.NoError(t, err)

	require.Len(t, p.Increments, 3)
	byNode := map[int64]types.Delta{}
	for _, d := range p.Increments {
		byNode[d.NodeID] = d
	}

	require.EqualValues(t, 1, byNode[10].ChildCountDelta)
	require.EqualValues(t, 0, byNode[5].ChildCountDelta)
	require.EqualValues(t, 0, byNode[1].ChildCountDelta)

	for _, nodeID := range []int64{10, 5, 1} {
		require.EqualValues(t, 100, byNode[nodeID].SizeBytesDelta)
		require.EqualValues(t, 1, byNode[nodeID].FileCountDelta)
	}
}

func TestPlan_AncestorChain_NilParentIsNoop(t *testing.T) {
	p := rollup.NewPlan()
	err := p.AncestorChain(nil, 1, 1, 0, 1, func(nodeID int64) (*int64, error) {
		t.Fatal("nextParent should not be called when parentID is nil")
		return nil, nil
	})
	require.NoError(t, err)
	require.Empty(t, p.Increments)
}

func int64Ptr(v int64) *int64 { return &v }
