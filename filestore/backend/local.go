package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/corestratum/dataplatform/filestore"
)

// LocalBackend is a Backend bound to a root directory on the local
// filesystem. Writes are atomic from the caller's perspective via a
// tmp-file-then-rename sequence (spec.md §4.2).
type LocalBackend struct {
	root string
}

// NewLocalBackend returns a backend rooted at root, creating it if
// necessary.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("backend: local: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

// Stat implements Backend.
func (b *LocalBackend) Stat(ctx context.Context, relativePath string) (Stat, error) {
	full, err := resolveUnderRoot(b.root, relativePath)
	if err != nil {
		return Stat{}, err
	}
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return Stat{Exists: false}, nil
	}
	if err != nil {
		return Stat{}, filestore.ErrBackendUnavailable.Wrap(err)
	}
	st := Stat{Exists: true, LastModified: info.ModTime()}
	if info.IsDir() {
		st.Kind = KindDirectory
		return st, nil
	}
	st.Kind = KindFile
	st.SizeBytes = info.Size()
	sum, err := checksumFile(full)
	if err != nil {
		return Stat{}, filestore.ErrBackendUnavailable.Wrap(err)
	}
	st.Checksum = sum
	return st, nil
}

// ReadStream implements Backend.
func (b *LocalBackend) ReadStream(ctx context.Context, relativePath string) (io.ReadCloser, error) {
	full, err := resolveUnderRoot(b.root, relativePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, filestore.ErrNotFound.New("%s", relativePath)
	}
	if err != nil {
		return nil, filestore.ErrBackendUnavailable.Wrap(err)
	}
	return f, nil
}

// WriteBlob implements Backend using a temp file in the same directory
// plus rename, so a reader never observes a partially written file.
func (b *LocalBackend) WriteBlob(ctx context.Context, relativePath string, content io.Reader) (WriteResult, error) {
	full, err := resolveUnderRoot(b.root, relativePath)
	if err != nil {
		return WriteResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return WriteResult{}, filestore.ErrStorageWriteFailed.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return WriteResult{}, filestore.ErrStorageWriteFailed.Wrap(err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), content)
	if err != nil {
		_ = tmp.Close()
		return WriteResult{}, filestore.ErrStorageWriteFailed.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return WriteResult{}, filestore.ErrStorageWriteFailed.Wrap(err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		return WriteResult{}, filestore.ErrStorageWriteFailed.Wrap(err)
	}

	return WriteResult{
		SizeBytes: size,
		Checksum:  "sha256:" + hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// List implements Backend.
func (b *LocalBackend) List(ctx context.Context, relativePath string) ([]Entry, error) {
	full, err := resolveUnderRoot(b.root, relativePath)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, filestore.ErrNotFound.New("%s", relativePath)
	}
	if err != nil {
		return nil, filestore.ErrBackendUnavailable.Wrap(err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		kind := KindFile
		if de.IsDir() {
			kind = KindDirectory
		}
		out = append(out, Entry{Name: de.Name(), Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(ctx context.Context, relativePath string, recursive bool) error {
	full, err := resolveUnderRoot(b.root, relativePath)
	if err != nil {
		return err
	}
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	return nil
}

// Move implements Backend.
func (b *LocalBackend) Move(ctx context.Context, src, dst string) error {
	fullSrc, err := resolveUnderRoot(b.root, src)
	if err != nil {
		return err
	}
	fullDst, err := resolveUnderRoot(b.root, dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullDst), 0o755); err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	if err := os.Rename(fullSrc, fullDst); err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	return nil
}

// Copy implements Backend.
func (b *LocalBackend) Copy(ctx context.Context, src, dst string) error {
	fullSrc, err := resolveUnderRoot(b.root, src)
	if err != nil {
		return err
	}
	fullDst, err := resolveUnderRoot(b.root, dst)
	if err != nil {
		return err
	}
	info, err := os.Stat(fullSrc)
	if err != nil {
		return filestore.ErrNotFound.Wrap(err)
	}
	if info.IsDir() {
		return copyDir(fullSrc, fullDst)
	}
	return copyFile(fullSrc, fullDst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return filestore.ErrBackendUnavailable.Wrap(err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	return nil
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return filestore.ErrBackendUnavailable.Wrap(err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(s, d); err != nil {
			return err
		}
	}
	return nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
