package backend

import (
	"path/filepath"
	"strings"

	"github.com/corestratum/dataplatform/filestore"
)

// resolveUnderRoot joins relativePath onto root and rejects any ".."
// segment, so the result can never escape root (spec.md §4.2).
func resolveUnderRoot(root, relativePath string) (string, error) {
	cleaned, err := rejectEscapes(relativePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// resolveUnderPrefix is the S3 equivalent: joins relativePath onto a key
// prefix and rejects any segment that resolves to "..".
func resolveUnderPrefix(prefix, relativePath string) (string, error) {
	cleaned, err := rejectEscapes(relativePath)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return cleaned, nil
	}
	return strings.TrimSuffix(prefix, "/") + "/" + cleaned, nil
}

// rejectEscapes normalizes relativePath to a clean, slash-separated,
// non-rooted path and returns ErrInvalidPath if any segment is ".." —
// the only way a join could otherwise walk back above root/prefix.
func rejectEscapes(relativePath string) (string, error) {
	trimmed := strings.Trim(filepath.ToSlash(relativePath), "/")
	if trimmed == "" {
		return "", nil
	}
	segments := strings.Split(trimmed, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", filestore.ErrInvalidPath.New("path %q escapes root", relativePath)
		default:
			clean = append(clean, seg)
		}
	}
	return strings.Join(clean, "/"), nil
}
