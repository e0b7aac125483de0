package types

import "time"

// CommandKind identifies a mutation pipeline command (spec.md §4.3).
type CommandKind string

// CommandKind values.
const (
	CommandCreateDirectory CommandKind = "create-directory"
	CommandUploadFile      CommandKind = "upload-file"
	CommandMove            CommandKind = "move"
	CommandCopy            CommandKind = "copy"
	CommandDelete          CommandKind = "delete"
	CommandPatchMetadata   CommandKind = "patch-metadata"
)

// JournalEntry is an append-only record of a committed mutation, keyed by
// an optional idempotency key for replay detection (spec.md §3).
type JournalEntry struct {
	ID             int64
	NodeID         int64
	BackendMountID int64
	Command        CommandKind
	Payload        []byte // JSON-encoded command input
	Result         []byte // JSON-encoded command result
	IdempotencyKey *string
	CreatedAt      time.Time
}

// ReconciliationReason is why a reconciliation job was enqueued.
type ReconciliationReason string

// ReconciliationReason values.
const (
	ReasonDrift  ReconciliationReason = "drift"
	ReasonAudit  ReconciliationReason = "audit"
	ReasonManual ReconciliationReason = "manual"
)

// JobStatus is the persisted lifecycle of a reconciliation job record
// (spec.md §3; see SPEC_FULL.md §D for the Status/Outcome naming decision).
type JobStatus string

// JobStatus values.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// ReconciliationJob is the persisted record backing spec.md §3's
// "Reconciliation job record" and §4.5's per-job algorithm.
type ReconciliationJob struct {
	ID              int64
	JobKey          string // "reconcile:<mountId>:<path>"
	BackendMountID  int64
	Path            string
	NodeID          *int64
	Status          JobStatus
	Attempt         int
	Reason          ReconciliationReason
	DetectChildren  bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	Error           *string
	Result          []byte // JSON-encoded Outcome, set once terminal
}

// Outcome is the ephemeral per-job summary produced when a reconciliation
// job finishes; see SPEC_FULL.md §D for why this is distinct from Status.
type Outcome struct {
	JobKey       string                 `json:"jobKey"`
	Status       JobStatus              `json:"status"`
	NodeID       *int64                 `json:"nodeId,omitempty"`
	BeforeState  *State                 `json:"beforeState,omitempty"`
	AfterState   *State                 `json:"afterState,omitempty"`
	ChildJobKeys []string               `json:"childJobKeys,omitempty"`
	Detail       string                 `json:"detail,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}
