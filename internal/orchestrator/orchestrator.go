// Package orchestrator runs one incremental pipeline pass: load the prior
// snapshot, cache every catalogued source, conform the cached ones and
// publish the merged snapshot.
package orchestrator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nucleus/source-pipeline/internal/logger"
	"github.com/nucleus/source-pipeline/internal/source"
	"github.com/nucleus/source-pipeline/internal/stage"
	"github.com/nucleus/source-pipeline/internal/state"
)

// StateStore loads and publishes the run snapshot.
type StateStore interface {
	Load(ctx context.Context) (map[source.ID]state.Record, error)
	Save(ctx context.Context, rows []state.Record) error
}

// Catalog lists the sources to evaluate, in a stable order.
type Catalog interface {
	List(ctx context.Context) ([]source.ID, error)
}

// RunRecorder keeps a history of runs. Its failures never change a run's
// outcome.
type RunRecorder interface {
	Started(ctx context.Context, runID string, at time.Time) error
	Finished(ctx context.Context, summary Summary, runErr error) error
}

// Archiver keeps a copy of each published snapshot. Its failures never
// change a run's outcome.
type Archiver interface {
	Append(ctx context.Context, runID string, at time.Time, records []state.Record) (string, error)
}

// Summary describes a finished or aborted run.
type Summary struct {
	RunID     string
	Started   time.Time
	Duration  time.Duration
	Sources   int
	Cached    int
	Reused    int
	Conformed int
	// Published is set once the new snapshot has been saved.
	Published bool
	// Archive locates the archived copy of the snapshot, if one was written.
	Archive string
}

// Deps are the collaborators of a run. Recorder and Archive are optional.
type Deps struct {
	State    StateStore
	Catalog  Catalog
	Cache    stage.CacheStage
	Conform  stage.ConformStage
	Recorder RunRecorder
	Archive  Archiver
}

// Orchestrator sequences the stages. Runs against the same snapshot must
// not overlap; scheduling is left to the caller.
type Orchestrator struct {
	deps Deps
	log  *zap.SugaredLogger
	now  func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{deps: deps, log: log, now: time.Now}
}

// Run executes one pass. Any error means the snapshot was not published and
// the prior snapshot is still current.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString(), Started: o.now()}
	log := o.log.With(logger.FieldRunID, summary.RunID)

	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.Started(ctx, summary.RunID, summary.Started); err != nil {
			log.Warnw("failed to record run start", logger.FieldError, err)
		}
	}

	err := o.run(ctx, log, &summary)
	summary.Duration = o.now().Sub(summary.Started)

	if o.deps.Recorder != nil {
		if rerr := o.deps.Recorder.Finished(context.WithoutCancel(ctx), summary, err); rerr != nil {
			log.Warnw("failed to record run result", logger.FieldError, rerr)
		}
	}
	if err != nil {
		log.Errorw("run aborted, snapshot not published", logger.FieldError, err,
			logger.FieldDurationMS, summary.Duration.Milliseconds())
		return summary, err
	}
	log.Infow("run finished",
		logger.FieldTotalCount, summary.Sources,
		logger.FieldCached, summary.Cached,
		logger.FieldReused, summary.Reused,
		logger.FieldConformed, summary.Conformed,
		logger.FieldDurationMS, summary.Duration.Milliseconds())
	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context, log *zap.SugaredLogger, summary *Summary) error {
	prior, err := o.deps.State.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load state")
	}
	log.Infow("loaded sources from state", logger.FieldCount, len(prior))

	sources, err := o.deps.Catalog.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list sources")
	}
	summary.Sources = len(sources)
	log.Infow("listed sources", logger.FieldCount, len(sources))

	cacheResults, err := o.deps.Cache.RunAll(ctx, sources, prior)
	if err != nil {
		return errors.Wrap(err, "cache stage failed")
	}
	cached, extras := Cached(sources, cacheResults)
	summary.Cached = len(cached)
	for _, id := range cached {
		if extras[id].Reused {
			summary.Reused++
		}
	}
	log.Infow("cache stage finished", logger.FieldStage, "cache",
		logger.FieldCount, len(cached), logger.FieldTotalCount, len(sources))

	conformResults, err := o.deps.Conform.RunAll(ctx, cached, extras)
	if err != nil {
		return errors.Wrap(err, "conform stage failed")
	}

	records := Merge(sources, cacheResults, conformResults)
	if len(records) != len(sources) {
		return errors.AssertionFailedf("built %d state rows for %d sources", len(records), len(sources))
	}
	for _, r := range records {
		if r.Processed != nil {
			summary.Conformed++
		}
	}
	log.Infow("conform stage finished", logger.FieldStage, "conform",
		logger.FieldCount, summary.Conformed, logger.FieldTotalCount, len(cached))

	if err := o.deps.State.Save(ctx, records); err != nil {
		return errors.Wrap(err, "failed to save state")
	}
	summary.Published = true
	log.Infow("wrote sources to state", logger.FieldCount, len(records))

	if o.deps.Archive != nil {
		loc, err := o.deps.Archive.Append(ctx, summary.RunID, summary.Started, records)
		if err != nil {
			log.Warnw("failed to archive snapshot", logger.FieldError, err)
		} else {
			summary.Archive = loc
		}
	}
	return nil
}

// Cached returns the sources with a cache artifact, in input order, along
// with their cache results.
func Cached(sources []source.ID, results map[source.ID]stage.CacheResult) ([]source.ID, map[source.ID]stage.CacheResult) {
	cached := make([]source.ID, 0, len(sources))
	extras := make(map[source.ID]stage.CacheResult, len(sources))
	for _, id := range sources {
		if r := results[id]; r.Cached() {
			cached = append(cached, id)
			extras[id] = r
		}
	}
	return cached, extras
}

// Merge builds one snapshot row per source, in source order. A source
// missing from cacheResults gets empty cache fields; a source missing from
// conformResults is not processed.
func Merge(sources []source.ID, cacheResults map[source.ID]stage.CacheResult, conformResults map[source.ID]stage.ConformResult) []state.Record {
	records := make([]state.Record, 0, len(sources))
	for _, id := range sources {
		c := cacheResults[id]
		rec := state.Record{
			Source:      id,
			Cache:       c.Cache,
			Version:     c.Version,
			Fingerprint: c.Fingerprint,
		}
		if c.Cached() {
			if p := conformResults[id].Processed; p != nil && *p != "" {
				processed := *p
				rec.Processed = &processed
			}
		}
		records = append(records, rec)
	}
	return records
}
