package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/config"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/logging"
	"github.com/boostcampwm2025/web06-locus-sub000/pkg/telemetry"
)

// syncApp holds what every subcommand shares once the root pre-run has loaded it.
type syncApp struct {
	configDir         string
	cfg               *config.Settings
	logger            *zap.Logger
	shutdownTelemetry func()
}

func (a *syncApp) preRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromFile(a.configDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	shutdown, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	a.cfg = cfg
	a.logger = logger.With(zap.String("command", cmd.Name()))
	a.shutdownTelemetry = shutdown
	return nil
}

func (a *syncApp) postRun(_ *cobra.Command, _ []string) {
	if a.shutdownTelemetry != nil {
		a.shutdownTelemetry()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	app := &syncApp{}

	rootCmd := &cobra.Command{
		Use:               "locus-sync",
		Short:             "Outbox to search index synchronization",
		SilenceUsage:      true,
		PersistentPreRunE: app.preRun,
		PersistentPostRun: app.postRun,
	}
	rootCmd.PersistentFlags().StringVar(&app.configDir, "config-dir", "./cmd/locus-sync", "Directory holding locus-sync.yaml")

	rootCmd.AddCommand(publishCommand(app))
	rootCmd.AddCommand(consumeCommand(app))
	rootCmd.AddCommand(runCommand(app))
	rootCmd.AddCommand(indexCommand(app))
	rootCmd.AddCommand(deadLettersCommand(app))
	return rootCmd
}

func main() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("panic: %v", rec)
			os.Exit(1)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
