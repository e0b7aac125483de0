package types

import "time"

// RollupState is the freshness of a cached aggregate.
type RollupState string

// RollupState values.
const (
	RollupUpToDate RollupState = "up_to_date"
	RollupPending  RollupState = "pending"
	RollupInvalid  RollupState = "invalid"
)

// Rollup is the cached aggregate contribution of a node and its active
// descendants (spec.md §3).
type Rollup struct {
	NodeID           int64
	SizeBytes        int64
	FileCount        int64
	DirectoryCount   int64
	ChildCount       int64
	State            RollupState
	LastCalculatedAt time.Time
	Version          int64
}

// Delta is a signed adjustment to a rollup's counters, applied atomically
// by applyDelta (spec.md §4.1).
type Delta struct {
	NodeID            int64
	SizeBytesDelta    int64
	FileCountDelta    int64
	DirectoryCountDelta int64
	ChildCountDelta   int64
	MarkPending       bool
}
