package state

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/nucleus/source-pipeline/internal/logger"
	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/source"
)

// ContentType is set on every published snapshot.
const ContentType = "text/plain"

// Store keeps the snapshot as a single object. Writers must be serialized
// externally; concurrent Saves are last-writer-wins.
type Store struct {
	objects objectstore.ObjectStore
	bucket  string
	key     string
	log     *zap.SugaredLogger
}

// NewStore creates a snapshot store for bucket/key.
func NewStore(objects objectstore.ObjectStore, bucket, key string, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{objects: objects, bucket: bucket, key: key, log: log}
}

// Load returns the current snapshot keyed by source. A missing snapshot
// yields an empty map.
func (s *Store) Load(ctx context.Context) (map[source.ID]Record, error) {
	data, err := s.objects.GetObject(ctx, s.bucket, s.key)
	if err != nil {
		if objectstore.IsNotFound(err) {
			s.log.Infow("no prior state found", logger.FieldBucket, s.bucket, logger.FieldKey, s.key)
			return map[source.ID]Record{}, nil
		}
		return nil, errors.Wrapf(err, "failed to fetch state %s/%s", s.bucket, s.key)
	}

	records, err := Decode(bytes.NewReader(data), func(line int, reason string) {
		s.log.Warnw("dropping malformed state row",
			logger.FieldKey, s.key, logger.FieldLine, line, logger.FieldError, reason)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse state %s/%s", s.bucket, s.key)
	}
	return records, nil
}

// Save replaces the snapshot with rows in one put.
func (s *Store) Save(ctx context.Context, rows []Record) error {
	var buf bytes.Buffer
	if err := Encode(&buf, rows); err != nil {
		return err
	}
	if err := s.objects.EnsureBucket(ctx, s.bucket); err != nil {
		return errors.Wrapf(err, "failed to ensure bucket %s", s.bucket)
	}
	opts := objectstore.PutOptions{ContentType: ContentType, PublicRead: true}
	if err := s.objects.PutObject(ctx, s.bucket, s.key, buf.Bytes(), opts); err != nil {
		return errors.Wrapf(err, "failed to publish state %s/%s", s.bucket, s.key)
	}
	return nil
}
