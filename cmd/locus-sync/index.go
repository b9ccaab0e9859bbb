package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func indexCommand(app *syncApp) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Create the search index, apply mapping changes and backfill new fields",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			repo, closeRepo, err := app.openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			im, engine, err := app.newIndexManager(repo)
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := im.EnsureIndexExists(ctx); err != nil {
				return err
			}

			var report any
			if len(fields) > 0 {
				report = im.BackfillFromDB(ctx, fields)
			} else if report, err = im.HandleMappingChanges(ctx); err != nil {
				return err
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&fields, "backfill", nil, "Backfill these fields instead of diffing the mapping")
	return cmd
}
