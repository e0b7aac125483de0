// Package planner implements the C8 partition index and query planner:
// column statistics/bloom filters/histograms computed at flush time
// (spec.md §4.7 step 6) and the manifest/partition pruning planner that
// consumes them at query time (spec.md §4.8). Grounded on the same
// "compute stats alongside the write, prune against them at read time"
// shape the corpus's analytical-storage examples use.
package planner

import (
	"github.com/corestratum/dataplatform/timestore/types"
)

// ComputeColumnStats computes per-column min/max/null-count/row-count
// for every field in the schema (spec.md §4.7 step 6); a field absent
// from every row gets nil min/max and a null count equal to its row
// count. Values less cannot order (booleans) leave min and max at the
// first non-null value seen.
func ComputeColumnStats(fields []types.SchemaField, rows []types.IngestRow) []types.ColumnStats {
	out := make([]types.ColumnStats, 0, len(fields))
	for _, f := range fields {
		stats := types.ColumnStats{Column: f.Name}
		var min, max interface{}
		for _, row := range rows {
			v, ok := row[f.Name]
			stats.RowCount++
			if !ok || v == nil {
				stats.NullCount++
				continue
			}
			if min == nil || less(v, min) {
				min = v
			}
			if max == nil || less(max, v) {
				max = v
			}
		}
		stats.Min, stats.Max = min, max
		out = append(out, stats)
	}
	return out
}

// less reports whether a < b for the value types fields carry
// (spec.md §3 field types: timestamp as time.Time or RFC3339 string,
// double/integer as numeric Go types, string, boolean). Booleans have no
// natural order and always compare equal (false).
func less(a, b interface{}) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	case int64:
		bv, ok := b.(int64)
		return ok && av < bv
	case int:
		bv, ok := b.(int)
		return ok && av < bv
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	default:
		return false
	}
}

// contains reports whether a [min, max] stat range could contain value,
// used for range/equality predicate pruning (spec.md §4.8 step 4).
// Contains handles the nil min/max case before calling it.
func (s columnStatsComparable) contains(value interface{}) bool {
	return !less(value, s.min) && !less(s.max, value)
}

type columnStatsComparable struct {
	min, max interface{}
}

// Contains reports whether stats' [min, max] range could contain value.
func Contains(stats types.ColumnStats, value interface{}) bool {
	if stats.Min == nil || stats.Max == nil {
		return true
	}
	return columnStatsComparable{min: stats.Min, max: stats.Max}.contains(value)
}
