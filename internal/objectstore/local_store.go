package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tempPrefix = ".put-"

// LocalStore keeps objects as files under root/<bucket>/<key>. It backs
// file:// endpoints and local runs. Access control and content types are
// not recorded.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at root, or under the temp dir when
// root is empty.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "source-pipeline-store")
	}
	return &LocalStore{root: root}
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return failure("connect", "", "").wrap(CodeEndpointUnreachable, false, err)
	}
	return nil
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := failure("bucket", bucket, "")
	if bucket == "" {
		return f.missing()
	}
	if err := os.MkdirAll(s.bucketPath(bucket), 0o755); err != nil {
		return f.wrap(CodePermissionDenied, false, err)
	}
	return nil
}

func (s *LocalStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if bucket == "" {
		return false, nil
	}
	info, err := os.Stat(s.bucketPath(bucket))
	switch {
	case isNotExist(err):
		return false, nil
	case err != nil:
		return false, failure("bucket", bucket, "").wrap(CodeReadFailed, true, err)
	}
	return info.IsDir(), nil
}

// PutObject replaces the object through a rename so a reader sees either
// the old or the new snapshot, never a partial one.
func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte, _ PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := failure("put", bucket, key)
	if bucket == "" || key == "" {
		return f.missing()
	}

	target := s.objectPath(bucket, key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return f.wrap(CodePermissionDenied, false, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return f.wrap(CodeWriteFailed, true, err)
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), target)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return f.wrap(CodeWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := failure("get", bucket, key)
	if bucket == "" || key == "" {
		return nil, f.missing()
	}
	data, err := os.ReadFile(s.objectPath(bucket, key))
	switch {
	case isNotExist(err):
		return nil, f.wrap(CodeObjectNotFound, false, err)
	case err != nil:
		return nil, f.wrap(CodeReadFailed, true, err)
	}
	return data, nil
}

// ListPrefix returns keys under prefix in lexical order. A missing bucket
// lists as empty.
func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, failure("list", bucket, prefix).missing()
	}
	base := s.bucketPath(bucket)

	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !isNotExist(err) {
		return nil, failure("list", bucket, prefix).wrap(CodeReadFailed, true, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteObject removes the object. Deleting a missing object succeeds.
func (s *LocalStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := failure("delete", bucket, key)
	if bucket == "" || key == "" {
		return f.missing()
	}
	if err := os.Remove(s.objectPath(bucket, key)); err != nil && !isNotExist(err) {
		return f.wrap(CodeWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) bucketPath(bucket string) string {
	return filepath.Join(s.root, strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(bucket))
}

func (s *LocalStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), filepath.FromSlash(key))
}

func isNotExist(err error) bool {
	return err != nil && os.IsNotExist(err)
}
