// Package timestore ties together the append-only time-partitioned
// dataset engine described in spec.md §4.7-§4.8: dataset/schema/manifest/
// partition metadata (dataset), the ingestion processor and staging spool
// (ingest), and the partition index query planner (planner).
package timestore

import "github.com/zeebo/errs"

// Error classes for the timestore-specific conditions spec.md §4.7 names.
// Errors shared with the filestore core (NotFound, BackendUnavailable,
// StorageWriteFailed, InvariantViolation) live in filestore and are
// reused here rather than duplicated.
var (
	ErrSchemaEvolution = errs.Class("schema evolution error")
	ErrSpoolFull       = errs.Class("spool full")
)
