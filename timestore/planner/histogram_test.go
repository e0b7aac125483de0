package planner_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corestratum/dataplatform/timestore/planner"
)

func TestBuildHistogram_BinsCoverFullRangeAndCountAllValues(t *testing.T) {
	values := []interface{}{1.0, 2.0, 3.0, 4.0, 100.0}
	h := planner.BuildHistogram("value", values, 4)
	require.Len(t, h.Bins, 4)

	var total int64
	for _, b := range h.Bins {
		total += b.Count
	}
	require.Equal(t, int64(len(values)), total)
	require.Equal(t, 1.0, h.Bins[0].LowerBound)
	require.Equal(t, 100.0, h.Bins[len(h.Bins)-1].UpperBound)
}

func TestBuildHistogram_EmptyInputYieldsZeroBins(t *testing.T) {
	h := planner.BuildHistogram("value", nil, 4)
	require.Empty(t, h.Bins)
}

func TestEstimate_EmptyHistogramNeverExcludes(t *testing.T) {
	require.True(t, planner.Estimate(planner.BuildHistogram("v", nil, 4), 42))
}

func TestEstimate_ExcludesValuesOutsideObservedRange(t *testing.T) {
	h := planner.BuildHistogram("value", []interface{}{10.0, 20.0, 30.0}, 3)
	require.True(t, planner.Estimate(h, 15))
	require.False(t, planner.Estimate(h, 9))
	require.False(t, planner.Estimate(h, 31))
}
