package types

// BackendDriver names a pluggable storage backend implementation.
type BackendDriver string

// BackendDriver values.
const (
	BackendLocal BackendDriver = "local"
	BackendS3    BackendDriver = "s3"
)

// BackendMount is a registered storage endpoint nodes are resolved
// against (spec.md glossary: "Backend mount").
type BackendMount struct {
	ID     int64
	Name   string
	Driver BackendDriver

	// Local
	RootPath string

	// S3
	Bucket         string
	Prefix         string
	Endpoint       string
	Region         string
	AccessKeyID    string
	SecretAccessKey string
	ForcePathStyle bool
}
