package planner_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corestratum/dataplatform/timestore/planner"
	"github.com/corestratum/dataplatform/timestore/types"
)

func TestComputeColumnStats_TracksMinMaxAndNullCount(t *testing.T) {
	fields := []types.SchemaField{{Name: "value", Type: types.FieldDouble}}
	rows := []types.IngestRow{
		{"value": 5.0},
		{"value": 1.0},
		{"value": 9.0},
		{},
	}
	stats := planner.ComputeColumnStats(fields, rows)
	require.Len(t, stats, 1)
	require.Equal(t, 1.0, stats[0].Min)
	require.Equal(t, 9.0, stats[0].Max)
	require.Equal(t, int64(1), stats[0].NullCount)
	require.Equal(t, int64(4), stats[0].RowCount)
}

func TestContains_ExcludesValuesOutsideRange(t *testing.T) {
	stats := types.ColumnStats{Min: 10.0, Max: 20.0}
	require.True(t, planner.Contains(stats, 15.0))
	require.False(t, planner.Contains(stats, 5.0))
	require.False(t, planner.Contains(stats, 25.0))
}

func TestContains_NeverExcludesWhenStatsUnset(t *testing.T) {
	require.True(t, planner.Contains(types.ColumnStats{}, 1234))
}
