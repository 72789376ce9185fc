package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nucleus/source-pipeline/internal/archive"
	"github.com/nucleus/source-pipeline/internal/cache"
	"github.com/nucleus/source-pipeline/internal/config"
	"github.com/nucleus/source-pipeline/internal/conform"
	"github.com/nucleus/source-pipeline/internal/httpclient"
	"github.com/nucleus/source-pipeline/internal/logger"
	"github.com/nucleus/source-pipeline/internal/objectstore"
	"github.com/nucleus/source-pipeline/internal/orchestrator"
	"github.com/nucleus/source-pipeline/internal/runlog"
	"github.com/nucleus/source-pipeline/internal/source"
	"github.com/nucleus/source-pipeline/internal/state"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one cache and conform pass and publish the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := buildPipeline(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}
			defer p.close()

			summary, err := p.orch.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d sources, %d cached (%d reused), %d conformed\n",
				summary.RunID, summary.Sources, summary.Cached, summary.Reused, summary.Conformed)

			if p.archive != nil {
				removed, err := p.archive.Prune(ctx)
				if err != nil {
					a.log.Warnw("failed to prune archived runs", logger.FieldError, err)
				} else if removed > 0 {
					a.log.Infow("pruned archived runs", logger.FieldCount, removed)
				}
			}
			return nil
		},
	}
}

// pipeline is a wired orchestrator plus the pieces the command drives
// directly.
type pipeline struct {
	orch    *orchestrator.Orchestrator
	archive *archive.Archive
	close   func()
}

// buildPipeline wires the stages from configuration. close releases the run
// ledger connection when one was opened.
func buildPipeline(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*pipeline, error) {
	storeCfg := cfg.ObjectStore()
	objects, err := objectstore.Open(storeCfg)
	if err != nil {
		return nil, err
	}
	bucket := storeCfg.Bucket

	catalog := source.NewCatalog(cfg.Sources.Dir, cfg.Sources.Patterns)
	client := httpclient.New(&httpclient.Config{
		Timeout:      cfg.HTTPTimeout(),
		MaxRetries:   cfg.HTTP.MaxRetries,
		RateLimit:    cfg.HTTP.RateLimit,
		RateBurst:    cfg.HTTP.RateBurst,
		UserAgent:    cfg.HTTP.UserAgent,
		MaxBodyBytes: int64(cfg.HTTP.MaxBodyMB) << 20,
	})

	deps := orchestrator.Deps{
		State:   state.NewStore(objects, bucket, cfg.State.Key, log.Named("state")),
		Catalog: catalog,
		Cache: cache.NewStage(catalog, client, objects, cache.Options{
			Bucket:  bucket,
			Prefix:  cfg.Cache.Prefix,
			Workers: cfg.Cache.Workers,
			Timeout: cfg.CacheTimeout(),
		}, log.Named("cache")),
		Conform: conform.NewStage(catalog, objects, conform.Options{
			Bucket:  bucket,
			Prefix:  cfg.Conform.Prefix,
			Workers: cfg.Conform.Workers,
			Timeout: cfg.ConformTimeout(),
			Parquet: cfg.Conform.Parquet,
		}, log.Named("conform")),
	}

	p := &pipeline{close: func() {}}
	if cfg.Archive.Enabled {
		p.archive = archive.New(objects, bucket, cfg.Archive.Prefix, cfg.ArchiveRetention())
		deps.Archive = p.archive
	}
	if cfg.RunLog.DSN != "" {
		rec, err := runlog.Open(ctx, cfg.RunLog.DSN)
		if err != nil {
			log.Warnw("run ledger unavailable, continuing without it", logger.FieldError, err)
		} else {
			deps.Recorder = rec
			p.close = func() { _ = rec.Close() }
		}
	}
	p.orch = orchestrator.New(deps, log.Named("orchestrator"))
	return p, nil
}
