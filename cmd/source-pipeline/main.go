// Package main is the source-pipeline CLI: it runs one incremental cache and
// conform pass over the source catalog and publishes the run snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nucleus/source-pipeline/internal/config"
	"github.com/nucleus/source-pipeline/internal/logger"
)

// app carries what PersistentPreRunE prepares for subcommands.
type app struct {
	configPath string
	logFile    string
	verbose    bool

	cfg *config.Config
	log *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "source-pipeline",
		Short: "Incrementally cache and conform upstream address sources",
		Long: `source-pipeline evaluates every source descriptor in the catalog, caches
changed upstream data in the object store, conforms cached data to the
canonical LON,LAT,NUMBER,STREET layout and publishes a snapshot of the run.

Examples:
  source-pipeline run                     # Run one pass with defaults and PIPELINE_* env
  source-pipeline run --config prod.toml  # Run with a config file
  source-pipeline sources                 # List catalogued sources
  source-pipeline runs                    # Show recent runs from the ledger`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a TOML config file")
	root.PersistentFlags().StringVarP(&a.logFile, "logfile", "l", "", "Also write logs to this file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newSourcesCmd(a))
	root.AddCommand(newRunsCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(logger.Options{JSON: cfg.Log.JSON, Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
