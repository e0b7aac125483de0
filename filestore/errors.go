// Package filestore ties together the content-addressed metadata layer
// described in spec.md §1-§5: the metadata store (metastore), backend
// adapters (backend), the mutation pipeline (mutation), the rollup
// manager (rollup), and the reconciliation manager (reconcile).
package filestore

import "github.com/zeebo/errs"

// Error classes for the client-caused, integrity, backend, and internal
// error kinds named in spec.md §7. Handlers return errors wrapped in the
// matching class so callers can test with errs.Is / class.Has.
var (
	ErrInvalidPath              = errs.Class("invalid path")
	ErrPathInUse                = errs.Class("path in use")
	ErrNotFound                 = errs.Class("not found")
	ErrVersionConflict          = errs.Class("version conflict")
	ErrParentNotFound           = errs.Class("parent not found")
	ErrIdempotencyReplayMismatch = errs.Class("idempotency replay mismatch")

	ErrChecksumMismatch = errs.Class("checksum mismatch")
	ErrOrphanedPartition = errs.Class("orphaned partition")

	ErrBackendUnavailable = errs.Class("backend unavailable")
	ErrBackendTimeout     = errs.Class("backend timeout")

	ErrStorageWriteFailed  = errs.Class("storage write failed")
	ErrInvariantViolation  = errs.Class("invariant violation")
)
