package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/corestratum/dataplatform/filestore"
)

// S3Backend is a Backend bound to a bucket and optional key prefix,
// talking to any S3-compatible endpoint through a shared minio-go client
// (spec.md §4.2). Directory presence is inferred from a non-empty listing
// under "<key>/".
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config names the fields spec.md §6 recognises for STORAGE_DRIVER=s3.
type S3Config struct {
	Bucket         string
	Prefix         string
	Endpoint       string
	Region         string
	AccessKeyID    string
	SecretAccessKey string
	ForcePathStyle bool
	UseSSL         bool
}

// NewS3Backend builds a backend around one shared minio client per mount.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, filestore.ErrBackendUnavailable.Wrap(err)
	}
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (b *S3Backend) key(relativePath string) (string, error) {
	return resolveUnderPrefix(b.prefix, relativePath)
}

// Stat implements Backend. A HEAD 404 is treated as Exists=false; for
// directories, presence is inferred from a one-item listing under the
// "<key>/" prefix.
func (b *S3Backend) Stat(ctx context.Context, relativePath string) (Stat, error) {
	key, err := b.key(relativePath)
	if err != nil {
		return Stat{}, err
	}

	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return Stat{
			Exists:       true,
			Kind:         KindFile,
			SizeBytes:    info.Size,
			LastModified: info.LastModified,
			Checksum:     "", // HEAD only returns an ETag, not a sha256 digest; checksums are authoritative from WriteBlob
		}, nil
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" && minio.ToErrorResponse(err).Code != "NotFound" {
		return Stat{}, filestore.ErrBackendUnavailable.Wrap(err)
	}

	// Not a plain object; check whether it's a "directory" by listing.
	objCh := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix: strings.TrimSuffix(key, "/") + "/",
		MaxKeys: 1,
	})
	for obj := range objCh {
		if obj.Err != nil {
			return Stat{}, filestore.ErrBackendUnavailable.Wrap(obj.Err)
		}
		return Stat{Exists: true, Kind: KindDirectory}, nil
	}
	return Stat{Exists: false}, nil
}

// ReadStream implements Backend.
func (b *S3Backend) ReadStream(ctx context.Context, relativePath string) (io.ReadCloser, error) {
	key, err := b.key(relativePath)
	if err != nil {
		return nil, err
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, filestore.ErrBackendUnavailable.Wrap(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, filestore.ErrNotFound.New("%s", relativePath)
	}
	return obj, nil
}

// WriteBlob implements Backend with a single PUT; minio-go internally
// switches to multipart for large bodies, satisfying the "atomic from the
// caller's perspective" requirement.
func (b *S3Backend) WriteBlob(ctx context.Context, relativePath string, content io.Reader) (WriteResult, error) {
	key, err := b.key(relativePath)
	if err != nil {
		return WriteResult{}, err
	}

	hasher := sha256.New()
	tee := io.TeeReader(content, hasher)

	info, err := b.client.PutObject(ctx, b.bucket, key, tee, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return WriteResult{}, filestore.ErrStorageWriteFailed.Wrap(err)
	}
	return WriteResult{
		SizeBytes: info.Size,
		Checksum:  "sha256:" + hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// List implements Backend, enumerating one level under relativePath using
// the "/" delimiter.
func (b *S3Backend) List(ctx context.Context, relativePath string) ([]Entry, error) {
	key, err := b.key(relativePath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(key, "/")
	if prefix != "" {
		prefix += "/"
	}

	var out []Entry
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix: prefix, Delimiter: "/",
	}) {
		if obj.Err != nil {
			return nil, filestore.ErrBackendUnavailable.Wrap(obj.Err)
		}
		if obj.Key == prefix {
			continue
		}
		if strings.HasSuffix(obj.Key, "/") {
			name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), "/")
			out = append(out, Entry{Name: name, Kind: KindDirectory})
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		out = append(out, Entry{Name: name, Kind: KindFile})
	}
	return out, nil
}

// Delete implements Backend.
func (b *S3Backend) Delete(ctx context.Context, relativePath string, recursive bool) error {
	key, err := b.key(relativePath)
	if err != nil {
		return err
	}
	if !recursive {
		if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return filestore.ErrStorageWriteFailed.Wrap(err)
		}
		return nil
	}

	prefix := strings.TrimSuffix(key, "/") + "/"
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err == nil {
				objectsCh <- obj
			}
		}
	}()
	for result := range b.client.RemoveObjects(ctx, b.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return filestore.ErrStorageWriteFailed.Wrap(result.Err)
		}
	}
	return nil
}

// Move implements Backend as a server-side copy followed by delete, since
// S3 has no native rename.
func (b *S3Backend) Move(ctx context.Context, src, dst string) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src, false)
}

// Copy implements Backend via server-side copy.
func (b *S3Backend) Copy(ctx context.Context, src, dst string) error {
	srcKey, err := b.key(src)
	if err != nil {
		return err
	}
	dstKey, err := b.key(dst)
	if err != nil {
		return err
	}
	_, err = b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.bucket, Object: srcKey},
	)
	if err != nil {
		return filestore.ErrStorageWriteFailed.Wrap(err)
	}
	return nil
}
