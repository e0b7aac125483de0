package planner

import (
	"github.com/corestratum/dataplatform/timestore/types"
)

// DefaultHistogramBins is the bin count used when a caller doesn't
// override it (spec.md §4.7 step 6 "histograms per configured column").
const DefaultHistogramBins = 16

// BuildHistogram computes an equi-width histogram over column's numeric
// values. Non-numeric values are ignored; an empty or non-numeric input
// yields a zero-bin histogram, which Estimate treats as "no information".
func BuildHistogram(column string, values []interface{}, numBins int) types.Histogram {
	if numBins <= 0 {
		numBins = DefaultHistogramBins
	}
	nums := asFloat64s(values)
	if len(nums) == 0 {
		return types.Histogram{Column: column}
	}

	min, max := nums[0], nums[0]
	for _, v := range nums[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	bins := make([]types.HistogramBin, numBins)
	width := (max - min) / float64(numBins)
	if width == 0 {
		bins[0] = types.HistogramBin{LowerBound: min, UpperBound: max, Count: int64(len(nums))}
		return types.Histogram{Column: column, Bins: bins}
	}
	for i := range bins {
		lower := min + float64(i)*width
		upper := lower + width
		if i == numBins-1 {
			upper = max
		}
		bins[i] = types.HistogramBin{LowerBound: lower, UpperBound: upper}
	}
	for _, v := range nums {
		idx := int((v - min) / width)
		if idx >= numBins {
			idx = numBins - 1
		}
		bins[idx].Count++
	}
	return types.Histogram{Column: column, Bins: bins}
}

// Estimate reports whether value could fall within h's observed range.
// An empty histogram carries no information and never excludes.
func Estimate(h types.Histogram, value float64) bool {
	if len(h.Bins) == 0 {
		return true
	}
	first, last := h.Bins[0], h.Bins[len(h.Bins)-1]
	return value >= first.LowerBound && value <= last.UpperBound
}

func asFloat64s(values []interface{}) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int64:
			out = append(out, float64(n))
		case int:
			out = append(out, float64(n))
		}
	}
	return out
}
