package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/harness"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/ethpandaops/flakeoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runsOverride    int
	timeoutOverride time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the flakiness experiment",
	Long:  `Execute the configured suite N times and classify every test case.`,
	RunE:  runExperiment,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runsOverride, "runs", 0,
		"Override the configured number of runs")
	runCmd.Flags().DurationVar(&timeoutOverride, "timeout", 0,
		"Override the configured per-run timeout")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI overrides win over config file values.
	if runsOverride > 0 {
		cfg.Experiment.Runs = runsOverride
	}

	if timeoutOverride > 0 {
		cfg.Subject.Timeout = timeoutOverride
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Setup context with signal handling. An interrupt kills the
	// current subject execution but still finalizes the artifacts over
	// the completed runs.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	opts := &harness.Options{}

	if cfg.Store.Enabled {
		st := store.NewStore(log, &cfg.Store)
		if err := st.Start(ctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}

		defer func() {
			if err := st.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		}()

		opts.Store = st

		log.WithField("driver", cfg.Store.Driver).Info("Result store enabled")
	}

	if cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader, err := upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}

		opts.Uploader = uploader
	}

	h := harness.New(log, cfg, opts)

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("starting harness: %w", err)
	}

	defer func() {
		if err := h.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop harness")
		}
	}()

	log.WithFields(logrus.Fields{
		"runs":    cfg.Experiment.Runs,
		"command": cfg.Subject.Command,
		"timeout": cfg.Subject.Timeout,
	}).Info("Starting flakiness experiment")

	result, err := h.Run(ctx)
	if err != nil {
		return fmt.Errorf("running experiment: %w", err)
	}

	log.WithFields(logrus.Fields{
		"runs_completed": result.RunsCompleted,
		"runs_usable":    result.RunsUsable,
		"stable_passing": result.Summary.StablePassing,
		"stable_failing": result.Summary.StableFailing,
		"flaky":          result.Summary.Flaky,
		"never_observed": result.Summary.NeverObserved,
	}).Info("Experiment completed")

	// Failing tests are an expected outcome; the harness only fails
	// when it could not collect any usable results at all.
	if cfg.Experiment.Runs > 0 && result.RunsUsable == 0 {
		return fmt.Errorf("no usable runs: all %d executions crashed or timed out",
			result.RunsCompleted)
	}

	return nil
}
