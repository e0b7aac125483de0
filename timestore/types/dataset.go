// Package types defines the timestore data model: datasets, schema
// versions, manifests, partitions, and staging batches (spec.md §3).
package types

import "time"

// DatasetStatus is the lifecycle state of a dataset.
type DatasetStatus string

// DatasetStatus values.
const (
	DatasetActive   DatasetStatus = "active"
	DatasetInactive DatasetStatus = "inactive"
)

// Dataset is the top-level append-only table grouping (spec.md §3).
// UpdatedAt doubles as the optimistic-concurrency token for status/
// metadata edits.
type Dataset struct {
	ID                     int64
	Slug                   string
	Name                   string
	DefaultStorageTargetID int64
	Status                 DatasetStatus
	Metadata               map[string]string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FieldType is the value type of a schema field.
type FieldType string

// FieldType values (spec.md §3).
const (
	FieldTimestamp FieldType = "timestamp"
	FieldDouble    FieldType = "double"
	FieldInteger   FieldType = "integer"
	FieldString    FieldType = "string"
	FieldBoolean   FieldType = "boolean"
)

// SchemaField describes one column of a dataset schema version.
type SchemaField struct {
	Name        string
	Type        FieldType
	Nullable    bool
	Description string
}

// SchemaVersion is an immutable, monotonically numbered schema for a
// dataset (spec.md §3, §4.7 step 2).
type SchemaVersion struct {
	ID        int64
	DatasetID int64
	Version   int
	Fields    []SchemaField
	CreatedAt time.Time
}

// FieldByName returns the field named name, or nil.
func (s *SchemaVersion) FieldByName(name string) *SchemaField {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}
