package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func deadLettersCommand(app *syncApp) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List outbox events that exhausted their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			repo, closeRepo, err := app.openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			events, err := repo.ListDead(ctx, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events to list")
	return cmd
}
