// Package backend implements the C2 pluggable storage adapter described
// in spec.md §4.2: a capability set {stat, read, write, list, delete,
// move, copy} dispatched on an explicit tag rather than inheritance, with
// Local and S3 variants.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/corestratum/dataplatform/filestore/types"
)

// Kind distinguishes a file entry from a directory entry during listing.
type Kind string

// Kind values.
const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Stat is the result of probing a relative path. Exists=false means the
// path was not found; Stat itself never returns an error for that case
// (spec.md §4.2).
type Stat struct {
	Exists       bool
	Kind         Kind
	SizeBytes    int64
	LastModified time.Time
	Checksum     string // "sha256:hex", empty if unknown (e.g. directories)
}

// Entry is one item returned by List.
type Entry struct {
	Name string
	Kind Kind
}

// WriteResult reports what was actually written.
type WriteResult struct {
	SizeBytes int64
	Checksum  string // "sha256:hex"
}

// Backend is the capability set every storage variant implements. All
// relative paths are resolved against the backend's root/prefix and
// verified not to escape it; violations return ErrInvalidPath.
type Backend interface {
	// Stat probes a path without throwing on absence.
	Stat(ctx context.Context, relativePath string) (Stat, error)
	// ReadStream opens a lazy byte stream for relativePath.
	ReadStream(ctx context.Context, relativePath string) (io.ReadCloser, error)
	// WriteBlob writes content atomically from the caller's perspective.
	WriteBlob(ctx context.Context, relativePath string, content io.Reader) (WriteResult, error)
	// List enumerates immediate entries under relativePath.
	List(ctx context.Context, relativePath string) ([]Entry, error)
	// Delete removes relativePath; recursive allows removing a non-empty
	// directory.
	Delete(ctx context.Context, relativePath string, recursive bool) error
	// Move renames/moves src to dst.
	Move(ctx context.Context, src, dst string) error
	// Copy duplicates src to dst without removing src.
	Copy(ctx context.Context, src, dst string) error
}

// Registry resolves a backend mount id to its configured Backend
// instance. S3 backends hold one shared client per mount, reused across
// requests with independent request concurrency (spec.md §5).
type Registry struct {
	backends map[int64]Backend
}

// NewRegistry builds an empty registry; callers populate it with Register.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[int64]Backend)}
}

// Register associates a backend mount id with its Backend implementation.
func (r *Registry) Register(mountID int64, b Backend) {
	r.backends[mountID] = b
}

// Get returns the Backend for mountID, or ok=false if unregistered.
func (r *Registry) Get(mountID int64) (Backend, bool) {
	b, ok := r.backends[mountID]
	return b, ok
}

// FromMount constructs the Backend m.Driver names, for process startup to
// turn a persisted backend_mounts row into a live, registerable Backend.
func FromMount(m *types.BackendMount) (Backend, error) {
	switch m.Driver {
	case types.BackendLocal:
		return NewLocalBackend(m.RootPath)
	case types.BackendS3:
		return NewS3Backend(S3Config{
			Bucket:          m.Bucket,
			Prefix:          m.Prefix,
			Endpoint:        m.Endpoint,
			Region:          m.Region,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			ForcePathStyle:  m.ForcePathStyle,
			UseSSL:          true,
		})
	default:
		return nil, fmt.Errorf("backend: unknown driver %q for mount %q", m.Driver, m.Name)
	}
}
