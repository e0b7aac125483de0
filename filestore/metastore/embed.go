package metastore

import _ "embed"

// Schema is the filestore metadata store's DDL (schema.sql), embedded so
// cmd/platformctl migrate can apply it without a filesystem lookup.
//
//go:embed schema.sql
var Schema string
