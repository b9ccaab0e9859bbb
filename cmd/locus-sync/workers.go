package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/store"
)

func publishCommand(app *syncApp) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish pending outbox events to the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			repo, closeRepo, err := app.openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			pub, err := app.newPublisher(ctx, repo)
			if err != nil {
				return err
			}
			defer pub.Close()

			if once {
				result, err := pub.processor.PublishPendingEvents(ctx)
				app.logger.Info("Publish finished",
					zap.Bool("skipped", result.Skipped),
					zap.Int("published", result.Published),
					zap.Int("retried", result.Retried),
					zap.Int("dead", result.Dead))
				return err
			}
			return pub.processor.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Publish a single batch and exit")
	return cmd
}

func consumeCommand(app *syncApp) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Apply broker events to the search index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			repo, closeRepo, err := app.openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			return app.consume(ctx, repo)
		},
	}
}

// consume prepares the index, then applies deliveries until ctx is done.
func (a *syncApp) consume(ctx context.Context, repo store.OutBoxRepository) error {
	im, engine, err := a.newIndexManager(repo)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := a.prepareIndex(ctx, im); err != nil {
		return err
	}

	mc, handler, err := a.newSyncConsumer(ctx, engine)
	if err != nil {
		return err
	}
	defer mc.Close()

	a.logger.Info("Sync consumer started",
		zap.String("queue", a.cfg.Consumer.Queue),
		zap.Int("concurrency", a.cfg.Consumer.Concurrency),
		zap.Int("max_deliveries", a.cfg.Consumer.MaxDeliveries))
	return mc.Consume(ctx, handler.Handle)
}

func runCommand(app *syncApp) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the publisher and the sync consumer together",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			repo, closeRepo, err := app.openRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			pub, err := app.newPublisher(ctx, repo)
			if err != nil {
				return err
			}
			defer pub.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return pub.processor.Run(ctx) })
			g.Go(func() error { return app.consume(ctx, repo) })
			return g.Wait()
		},
	}
}
