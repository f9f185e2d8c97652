package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/flakeoor/pkg/report"
	"github.com/spf13/cobra"
)

var reportDir string

var generateReportCmd = &cobra.Command{
	Use:   "generate-report",
	Short: "Regenerate tabular artifacts from a finished experiment",
	Long: `Read experiment.json from a previous run's output directory and
rewrite the CSV tables and markdown summary. Useful after changing
report formats or recovering from a partially written directory.`,
	RunE: runGenerateReport,
}

func init() {
	generateReportCmd.Flags().StringVar(&reportDir, "dir", "",
		"output directory of a finished experiment (required)")

	if err := generateReportCmd.MarkFlagRequired("dir"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(generateReportCmd)
}

func runGenerateReport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(filepath.Join(reportDir, report.ExperimentFile))
	if err != nil {
		return fmt.Errorf("reading %s: %w", report.ExperimentFile, err)
	}

	var exp report.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return fmt.Errorf("parsing %s: %w", report.ExperimentFile, err)
	}

	writer, err := report.NewWriter(log, reportDir, nil)
	if err != nil {
		return fmt.Errorf("creating report writer: %w", err)
	}
	defer writer.Close()

	if err := writer.Finalize(&exp); err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}

	log.WithField("dir", reportDir).Info("Regenerated experiment artifacts")

	return nil
}
