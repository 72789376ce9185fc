// Package stage defines the cache and conform stage contracts and the
// bounded parallel runner both implementations share.
package stage

import (
	"context"
	"time"

	"github.com/nucleus/source-pipeline/internal/source"
	"github.com/nucleus/source-pipeline/internal/state"
)

// CacheResult is the outcome of caching one source. An empty Cache means the
// source failed to cache.
type CacheResult struct {
	Cache       string
	Version     string
	Fingerprint string
	Elapsed     time.Duration
	// Reused is set when the prior artifact was kept because the
	// fingerprint did not change.
	Reused bool
	Err    error
}

// Cached reports whether the source has a usable artifact.
func (r CacheResult) Cached() bool { return r.Cache != "" }

// ConformResult is the outcome of conforming one source. A nil Processed
// means no output was produced.
type ConformResult struct {
	Processed *string
	Elapsed   time.Duration
	Err       error
}

// CacheStage fetches and publishes raw source data. Per-source failures are
// reported as empty results; an error means the whole call failed.
type CacheStage interface {
	RunAll(ctx context.Context, sources []source.ID, prior map[source.ID]state.Record) (map[source.ID]CacheResult, error)
}

// ConformStage converts cached data to the canonical output. It is only
// given sources with a cache artifact; a missing entry means not processed.
type ConformStage interface {
	RunAll(ctx context.Context, sources []source.ID, extras map[source.ID]CacheResult) (map[source.ID]ConformResult, error)
}
