package types

import "time"

// StagingStatus is the lifecycle of a staging batch (spec.md §3).
type StagingStatus string

// StagingStatus values.
const (
	StagingOpen     StagingStatus = "open"
	StagingFlushing StagingStatus = "flushing"
	StagingFlushed  StagingStatus = "flushed"
)

// StagingBatch is a per-dataset spool record accumulating rows destined
// for a single partition (spec.md §3). Rows in the same batch must be
// flushed together; distinct batches for the same window produce
// additive partitions.
type StagingBatch struct {
	ID                  int64
	DatasetID           int64
	TableName           string
	SchemaVersionID     int64
	PartitionKey        map[string]string
	PartitionAttributes map[string]string
	TimeRange           TimeRange
	IngestionSignature  string
	Status              StagingStatus
	RowCount            int64
	ByteCount           int64
	ReceivedAt          time.Time
	UpdatedAt           time.Time
}

// IngestRow is a single row handed to the ingestion processor, keyed by
// field name per the resolved schema version.
type IngestRow map[string]interface{}

// IngestJob is the validated ingestion job payload spec.md §4.7 names.
type IngestJob struct {
	DatasetSlug     string
	DatasetName     string
	TableName       string
	StorageTargetID int64
	Schema          []SchemaField
	PartitionKey    map[string]string
	PartitionAttrs  map[string]string
	TimeRange       TimeRange
	Rows            []IngestRow
	IdempotencyKey  *string
	ReceivedAt      time.Time
	Backfill        bool
}
