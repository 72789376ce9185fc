// Package cache downloads upstream source data, fingerprints it and
// publishes it to the object store, reusing prior artifacts when the data
// has not changed.
package cache

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/nucleus/source-pipeline/internal/logger"
	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/source"
	"github.com/nucleus/source-pipeline/internal/stage"
	"github.com/nucleus/source-pipeline/internal/state"
)

// VersionLayout formats the run timestamp used as the artifact version.
const VersionLayout = "20060102150405"

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
	// Now is the clock used for versions (default: time.Now).
	Now func() time.Time
}

// Stage is the concrete cache stage.
type Stage struct {
	loader  DescriptorLoader
	fetcher Fetcher
	objects objectstore.ObjectStore
	opts    Options
	log     *zap.SugaredLogger
}

var _ stage.CacheStage = (*Stage)(nil)

// NewStage creates a cache stage.
func NewStage(loader DescriptorLoader, fetcher Fetcher, objects objectstore.ObjectStore, opts Options, log *zap.SugaredLogger) *Stage {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Stage{loader: loader, fetcher: fetcher, objects: objects, opts: opts, log: log}
}

// RunAll caches every source in parallel. Every source gets an entry; failed
// sources have an empty Cache and a non-nil Err.
func (s *Stage) RunAll(ctx context.Context, sources []source.ID, prior map[source.ID]state.Record) (map[source.ID]stage.CacheResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "cache stage not started")
	}
	if err := s.objects.EnsureBucket(ctx, s.opts.Bucket); err != nil {
		s.log.Warnw("could not ensure cache bucket", logger.FieldBucket, s.opts.Bucket, logger.FieldError, err)
	}

	version := s.opts.Now().UTC().Format(VersionLayout)
	return stage.ForEach(ctx, sources, s.opts.Workers, s.opts.Timeout, func(ctx context.Context, id source.ID) stage.CacheResult {
		start := time.Now()
		result, err := s.cacheOne(ctx, id, prior[id], version)
		result.Elapsed = time.Since(start)
		if err != nil {
			s.log.Warnw("failed to cache source",
				logger.FieldSource, id, logger.FieldStage, "cache",
				logger.FieldDurationMS, result.Elapsed.Milliseconds(), logger.FieldError, err)
			return stage.CacheResult{Elapsed: result.Elapsed, Err: err}
		}
		s.log.Infow("cached source",
			logger.FieldSource, id, logger.FieldStage, "cache",
			logger.FieldLocator, result.Cache, logger.FieldVersion, result.Version,
			logger.FieldReused, result.Reused, logger.FieldDurationMS, result.Elapsed.Milliseconds())
		return result
	}, func(id source.ID, err error) stage.CacheResult {
		s.log.Errorw("cache task panicked", logger.FieldSource, id, logger.FieldStage, "cache", logger.FieldError, err)
		return stage.CacheResult{Err: err}
	})
}

func (s *Stage) cacheOne(ctx context.Context, id source.ID, prior state.Record, version string) (stage.CacheResult, error) {
	desc, err := s.loader.Load(id)
	if err != nil {
		return stage.CacheResult{}, err
	}
	if desc.Skip {
		return stage.CacheResult{}, errors.Newf("source %s is marked skip", id)
	}
	if err := desc.Validate(); err != nil {
		return stage.CacheResult{}, err
	}
	downloader, err := DownloaderFor(desc.Type, s.fetcher)
	if err != nil {
		return stage.CacheResult{}, err
	}

	files, err := downloader.Download(ctx, desc.Data)
	if err != nil {
		return stage.CacheResult{}, err
	}
	artifact, err := Pack(files, archiveName(id))
	if err != nil {
		return stage.CacheResult{}, errors.Wrapf(err, "source %s", id)
	}
	fingerprint := artifact.Fingerprint()

	if prior.Cache != "" && prior.Fingerprint == fingerprint {
		return stage.CacheResult{
			Cache:       prior.Cache,
			Version:     prior.Version,
			Fingerprint: fingerprint,
			Reused:      true,
		}, nil
	}

	key := objectstore.JoinKey(s.opts.Prefix, id.Base(), version, artifact.Name)
	opts := objectstore.PutOptions{ContentType: artifact.ContentType, PublicRead: true}
	if err := s.objects.PutObject(ctx, s.opts.Bucket, key, artifact.Data, opts); err != nil {
		return stage.CacheResult{}, errors.Wrapf(err, "failed to upload %s", key)
	}
	return stage.CacheResult{
		Cache:       objectstore.Locator(s.opts.Bucket, key),
		Version:     version,
		Fingerprint: fingerprint,
	}, nil
}

func archiveName(id source.ID) string {
	return path.Base(id.Base()) + ".zip"
}
