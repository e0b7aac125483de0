package planner

import (
	"context"

	"github.com/corestratum/dataplatform/filestore"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/timestore/types"
)

// Repository is the slice of dataset.Store the planner needs.
type Repository interface {
	GetDatasetBySlug(ctx context.Context, tx *dbtx.Tx, slug string, forUpdate bool) (*types.Dataset, error)
	GetLatestSchemaVersion(ctx context.Context, tx *dbtx.Tx, datasetID int64) (*types.SchemaVersion, error)
	ListManifestsForRange(ctx context.Context, tx *dbtx.Tx, datasetID int64, tr types.TimeRange) ([]*types.Manifest, error)
	ListPartitionsForManifest(ctx context.Context, tx *dbtx.Tx, manifestID int64) ([]*types.Partition, error)
}

// Predicate narrows a planned partition by one column's equality or
// range constraint, pruned against the partition's column stats and
// bloom filter (spec.md §4.8 step 4).
type Predicate struct {
	Column string
	Equals interface{} // if set, an equality predicate; checked against bloom filter first
	Min    interface{} // inclusive range lower bound, or nil
	Max    interface{} // inclusive range upper bound, or nil
}

// PlanEntry is one partition a query must read.
type PlanEntry struct {
	Partition     *types.Partition
	StorageTarget int64
	Location      string // path relative to the storage target's backend
	Columns       []string
}

// Plan is the ordered, pruned set of partitions a query over a
// dataset/time range/predicate set must read (spec.md §4.8).
type Plan struct {
	DatasetID       int64
	SchemaVersionID int64
	Entries         []PlanEntry
}

// Planner implements the C8 query planner: it never executes a query,
// only resolves which partitions a query must read.
type Planner struct {
	repo Repository
}

// New builds a Planner over repo.
func New(repo Repository) *Planner {
	return &Planner{repo: repo}
}

// Query describes what a caller wants planned: a dataset slug, a time
// range, the columns it needs, and zero or more pruning predicates.
type Query struct {
	DatasetSlug string
	TimeRange   types.TimeRange
	Columns     []string
	Predicates  []Predicate
}

// Plan resolves q against the latest schema version and every manifest
// whose shard intersects q.TimeRange, pruning partitions whose time
// range, column stats, or bloom filters rule them out, and returns the
// surviving partitions ordered by start time then partition id
// (spec.md §4.8 steps 1-5).
func (p *Planner) Plan(ctx context.Context, tx *dbtx.Tx, q Query) (*Plan, error) {
	dataset, err := p.repo.GetDatasetBySlug(ctx, tx, q.DatasetSlug, false)
	if err != nil {
		return nil, err
	}
	schemaVersion, err := p.repo.GetLatestSchemaVersion(ctx, tx, dataset.ID)
	if err != nil {
		return nil, err
	}

	manifests, err := p.repo.ListManifestsForRange(ctx, tx, dataset.ID, q.TimeRange)
	if err != nil {
		return nil, err
	}

	plan := &Plan{DatasetID: dataset.ID, SchemaVersionID: schemaVersion.ID}
	for _, m := range manifests {
		partitions, err := p.repo.ListPartitionsForManifest(ctx, tx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, part := range partitions {
			if !part.TimeRange.Intersects(q.TimeRange) {
				continue
			}
			if !survivesPredicates(part, q.Predicates) {
				continue
			}
			plan.Entries = append(plan.Entries, PlanEntry{
				Partition:     part,
				StorageTarget: part.StorageTargetID,
				Location:      part.FilePath,
				Columns:       q.Columns,
			})
		}
	}
	if len(plan.Entries) == 0 && len(manifests) == 0 {
		return nil, filestore.ErrNotFound.New("no manifests for dataset %q in range", q.DatasetSlug)
	}
	sortEntries(plan.Entries)
	return plan, nil
}

// survivesPredicates reports whether part could satisfy every predicate,
// using its column stats for range pruning and its bloom filter (when
// present) for equality pruning. A predicate on a column the partition
// has no stats for never excludes (conservative: stats are an
// optimization, not a correctness requirement).
func survivesPredicates(part *types.Partition, predicates []Predicate) bool {
	for _, pred := range predicates {
		if pred.Equals != nil {
			if bf := part.BloomFor(pred.Column); bf != nil && !MayContain(*bf, pred.Equals) {
				return false
			}
			if stats := part.StatsFor(pred.Column); stats != nil && !Contains(*stats, pred.Equals) {
				return false
			}
			continue
		}
		stats := part.StatsFor(pred.Column)
		if stats == nil {
			continue
		}
		if pred.Min != nil && stats.Max != nil && less(stats.Max, pred.Min) {
			return false
		}
		if pred.Max != nil && stats.Min != nil && less(pred.Max, stats.Min) {
			return false
		}
	}
	return true
}

func sortEntries(entries []PlanEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entryLess(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func entryLess(a, b PlanEntry) bool {
	if !a.Partition.TimeRange.Start.Equal(b.Partition.TimeRange.Start) {
		return a.Partition.TimeRange.Start.Before(b.Partition.TimeRange.Start)
	}
	return a.Partition.ID < b.Partition.ID
}
