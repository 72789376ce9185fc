// Package conform converts cached source data into the canonical
// LON,LAT,NUMBER,STREET output and publishes it next to the cache.
package conform

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/nucleus/source-pipeline/internal/logger"
	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/source"
	"github.com/nucleus/source-pipeline/internal/stage"
)

// Output object names under each source version.
const (
	OutputCSV     = "out.csv"
	OutputParquet = "out.parquet"
)

// ErrNoConform marks sources whose descriptor has no conform block.
var ErrNoConform = errors.New("source has no conform block")

// DescriptorLoader loads a parsed source descriptor.
type DescriptorLoader interface {
	Load(id source.ID) (*source.Descriptor, error)
}

// Options tunes the stage.
type Options struct {
	Bucket  string
	Prefix  string
	Workers int
	Timeout time.Duration
	// Parquet also publishes out.parquet.
	Parquet bool
}

// Stage is the concrete conform stage.
type Stage struct {
	loader  DescriptorLoader
	objects objectstore.ObjectStore
	opts    Options
	log     *zap.SugaredLogger
}

var _ stage.ConformStage = (*Stage)(nil)

// NewStage creates a conform stage.
func NewStage(loader DescriptorLoader, objects objectstore.ObjectStore, opts Options, log *zap.SugaredLogger) *Stage {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Stage{loader: loader, objects: objects, opts: opts, log: log}
}

type outcome struct {
	result  stage.ConformResult
	skipped bool
}

// RunAll conforms every source in parallel. Sources without a conform block
// have no entry in the result.
func (s *Stage) RunAll(ctx context.Context, sources []source.ID, extras map[source.ID]stage.CacheResult) (map[source.ID]stage.ConformResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "conform stage not started")
	}

	outcomes, err := stage.ForEach(ctx, sources, s.opts.Workers, s.opts.Timeout, func(ctx context.Context, id source.ID) outcome {
		start := time.Now()
		processed, err := s.conformOne(ctx, id, extras[id])
		elapsed := time.Since(start)
		switch {
		case errors.Is(err, ErrNoConform):
			s.log.Debugw("source has nothing to conform", logger.FieldSource, id, logger.FieldStage, "conform")
			return outcome{skipped: true}
		case err != nil:
			s.log.Warnw("failed to conform source",
				logger.FieldSource, id, logger.FieldStage, "conform",
				logger.FieldDurationMS, elapsed.Milliseconds(), logger.FieldError, err)
			return outcome{result: stage.ConformResult{Elapsed: elapsed, Err: err}}
		}
		s.log.Infow("conformed source",
			logger.FieldSource, id, logger.FieldStage, "conform",
			logger.FieldLocator, processed, logger.FieldDurationMS, elapsed.Milliseconds())
		return outcome{result: stage.ConformResult{Processed: &processed, Elapsed: elapsed}}
	}, func(id source.ID, err error) outcome {
		s.log.Errorw("conform task panicked", logger.FieldSource, id, logger.FieldStage, "conform", logger.FieldError, err)
		return outcome{result: stage.ConformResult{Err: err}}
	})
	if err != nil {
		return nil, err
	}

	results := make(map[source.ID]stage.ConformResult, len(outcomes))
	for id, o := range outcomes {
		if !o.skipped {
			results[id] = o.result
		}
	}
	return results, nil
}

func (s *Stage) conformOne(ctx context.Context, id source.ID, cached stage.CacheResult) (string, error) {
	desc, err := s.loader.Load(id)
	if err != nil {
		return "", err
	}
	if desc.Conform == nil {
		return "", ErrNoConform
	}
	if !cached.Cached() {
		return "", errors.Newf("source %s has no cache", id)
	}

	bucket, key, err := objectstore.ParseLocator(cached.Cache)
	if err != nil {
		return "", err
	}
	raw, err := s.objects.GetObject(ctx, bucket, key)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch cache %s", cached.Cache)
	}
	input, err := selectInput(raw, desc.Compression, desc.Conform)
	if err != nil {
		return "", err
	}
	rows, skipped, err := readAddresses(input, desc.Conform)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.Newf("no addresses with coordinates in %s", cached.Cache)
	}
	if skipped > 0 {
		s.log.Debugw("skipped rows without coordinates", logger.FieldSource, id, logger.FieldCount, skipped)
	}

	out, err := EncodeCSV(rows)
	if err != nil {
		return "", err
	}
	csvKey := objectstore.JoinKey(s.opts.Prefix, id.Base(), cached.Version, OutputCSV)
	if err := s.put(ctx, csvKey, out, "text/csv"); err != nil {
		return "", err
	}

	if s.opts.Parquet {
		pq, err := EncodeParquet(rows)
		if err != nil {
			return "", err
		}
		pqKey := objectstore.JoinKey(s.opts.Prefix, id.Base(), cached.Version, OutputParquet)
		if err := s.put(ctx, pqKey, pq, "application/vnd.apache.parquet"); err != nil {
			return "", err
		}
	}
	return objectstore.Locator(s.opts.Bucket, csvKey), nil
}

func (s *Stage) put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := objectstore.PutOptions{ContentType: contentType, PublicRead: true}
	if err := s.objects.PutObject(ctx, s.opts.Bucket, key, data, opts); err != nil {
		return errors.Wrapf(err, "failed to upload %s", key)
	}
	s.log.Debugw("uploaded output", logger.FieldKey, key, logger.FieldSize, len(data))
	return nil
}
