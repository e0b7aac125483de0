package types

import "time"

// ManifestStatus is the lifecycle of a manifest version.
type ManifestStatus string

// ManifestStatus values.
const (
	ManifestDraft     ManifestStatus = "draft"
	ManifestPublished ManifestStatus = "published"
	ManifestSuperseded ManifestStatus = "superseded"
)

// FileFormat names the on-disk encoding of a partition file.
type FileFormat string

// FileFormat values (spec.md §3).
const (
	FormatDuckDB     FileFormat = "duckdb"
	FormatParquet    FileFormat = "parquet"
	FormatClickHouse FileFormat = "clickhouse"
)

// ManifestSummary is the aggregate statistics attached to a manifest
// version.
type ManifestSummary struct {
	RowCount  int64
	ByteSize  int64
	StartTime time.Time
	EndTime   time.Time
}

// Manifest is one version, scoped to a single UTC-date shard, of a
// dataset's partition list (spec.md §3). Manifests are append-only:
// existing partitions never move or split.
type Manifest struct {
	ID              int64
	DatasetID       int64
	Shard           time.Time // truncated to UTC date
	Version         int
	Status          ManifestStatus
	SchemaVersionID int64
	PartitionIDs    []string
	Summary         ManifestSummary
	CreatedAt       time.Time
}
