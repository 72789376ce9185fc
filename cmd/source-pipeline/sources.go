package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nucleus/source-pipeline/internal/source"
)

func newSourcesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the catalogued sources in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := source.NewCatalog(a.cfg.Sources.Dir, a.cfg.Sources.Patterns)
			ids, err := catalog.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
