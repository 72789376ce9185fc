// Package objectstore provides the S3-compatible storage used for the run
// snapshot, cached source artifacts and processed outputs.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// LocatorScheme prefixes object locators written into the snapshot.
const LocatorScheme = "minio://"

// PutOptions controls how an object is published.
type PutOptions struct {
	ContentType string
	PublicRead  bool
}

// ObjectStore abstracts the minimal MinIO/S3 operations the pipeline needs.
type ObjectStore interface {
	Ping(ctx context.Context) error
	EnsureBucket(ctx context.Context, bucket string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Locator formats a bucket/key pair as an opaque locator.
func Locator(bucket, key string) string {
	return fmt.Sprintf("%s%s/%s", LocatorScheme, bucket, strings.TrimPrefix(key, "/"))
}

// ParseLocator splits a locator produced by Locator back into bucket and key.
func ParseLocator(loc string) (bucket, key string, err error) {
	if !strings.HasPrefix(loc, LocatorScheme) {
		return "", "", errors.Newf("unsupported locator %q", loc)
	}
	rest := strings.TrimPrefix(loc, LocatorScheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.Newf("locator %q has no bucket/key", loc)
	}
	return bucket, key, nil
}

// JoinKey joins key segments with forward slashes, dropping empty parts.
func JoinKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
