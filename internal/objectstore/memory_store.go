package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// StoredObject is an object held by MemoryStore together with its put options.
type StoredObject struct {
	Data    []byte
	Options PutOptions
}

// MemoryStore keeps objects in process memory. It records put options so
// callers can check content types and ACLs, and it can inject put failures.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]StoredObject

	// PutErr, when set, is returned by every PutObject call.
	PutErr error
	// Puts counts successful PutObject calls.
	Puts int
}

// NewMemoryStore creates an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]StoredObject)}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return failure("bucket", bucket, "").missing()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(bucket)
	return nil
}

func (s *MemoryStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *MemoryStore) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" || key == "" {
		return failure("put", bucket, key).missing()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return s.PutErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.ensure(bucket)[key] = StoredObject{Data: cp, Options: opts}
	s.Puts++
	return nil
}

func (s *MemoryStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

// Stat returns the stored object with the options it was written with.
func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return StoredObject{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := failure("get", bucket, key)
	objects, ok := s.buckets[bucket]
	if !ok {
		return StoredObject{}, f.wrap(CodeBucketNotFound, false, nil)
	}
	obj, ok := objects[key]
	if !ok {
		return StoredObject{}, f.wrap(CodeObjectNotFound, false, nil)
	}
	cp := make([]byte, len(obj.Data))
	copy(cp, obj.Data)
	return StoredObject{Data: cp, Options: obj.Options}, nil
}

func (s *MemoryStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

func (s *MemoryStore) ensure(bucket string) map[string]StoredObject {
	objects, ok := s.buckets[bucket]
	if !ok {
		objects = make(map[string]StoredObject)
		s.buckets[bucket] = objects
	}
	return objects
}
