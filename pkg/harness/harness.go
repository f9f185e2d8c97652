// Package harness orchestrates a flakiness experiment: N sequential
// suite executions, per-run parsing and aggregation, and finalization
// of the output artifacts.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/capture"
	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/ethpandaops/flakeoor/pkg/flakiness"
	"github.com/ethpandaops/flakeoor/pkg/junitxml"
	"github.com/ethpandaops/flakeoor/pkg/report"
	"github.com/ethpandaops/flakeoor/pkg/store"
	"github.com/ethpandaops/flakeoor/pkg/upload"
	"github.com/sirupsen/logrus"
)

// Result summarizes a finished (or interrupted) experiment.
type Result struct {
	RunsCompleted int
	RunsUsable    int
	Summary       flakiness.Summary
	Entries       []flakiness.Entry
}

// Harness drives one flakiness experiment.
type Harness interface {
	Start(ctx context.Context) error
	Stop() error

	// Run performs the experiment. Cancellation stops the run loop but
	// finalization still covers whatever runs completed.
	Run(ctx context.Context) (*Result, error)
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature.
type Options struct {
	Store    store.Store
	Uploader upload.Uploader

	// Capturer overrides the default subprocess capturer.
	Capturer capture.Capturer
}

// New creates a harness from the loaded configuration.
func New(log logrus.FieldLogger, cfg *config.Config, opts *Options) Harness {
	if opts == nil {
		opts = &Options{}
	}

	return &harness{
		log:  log.WithField("component", "harness"),
		cfg:  cfg,
		opts: opts,
	}
}

type harness struct {
	log    logrus.FieldLogger
	cfg    *config.Config
	opts   *Options
	writer *report.Writer
	caps   capture.Capturer

	experimentID uint
}

var _ Harness = (*harness)(nil)

// Start prepares the output directory, log writer, and capturer.
func (h *harness) Start(ctx context.Context) error {
	owner := h.cfg.ArtifactOwner()

	writer, err := report.NewWriter(h.log, h.cfg.Experiment.OutputDir, owner)
	if err != nil {
		return err
	}

	h.writer = writer

	h.caps = h.opts.Capturer
	if h.caps == nil {
		h.caps = capture.NewCapturer(h.log, &capture.Config{
			Command:        h.cfg.Subject.Command,
			SetupCommands:  h.cfg.Subject.SetupCommands,
			Workdir:        h.cfg.Subject.Workdir,
			Env:            h.cfg.SubjectEnv(),
			Timeout:        h.cfg.Subject.Timeout,
			OutputDir:      h.cfg.Experiment.OutputDir,
			Owner:          owner,
			MirrorToStdout: h.cfg.Global.SubjectOutputToStdout,
		})
	}

	if h.opts.Uploader != nil {
		if err := h.opts.Uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight: %w", err)
		}

		h.log.Info("Upload preflight check passed")
	}

	h.log.Debug("Harness started")

	return nil
}

// Stop releases the report writer.
func (h *harness) Stop() error {
	if h.writer != nil {
		return h.writer.Close()
	}

	return nil
}

// Run executes the experiment loop and finalizes the artifacts.
func (h *harness) Run(ctx context.Context) (*Result, error) {
	startedAt := time.Now()

	if h.opts.Store != nil {
		exp := &store.Experiment{
			Command:     h.cfg.Subject.Command,
			RunsPlanned: h.cfg.Experiment.Runs,
			StartedAt:   startedAt,
		}

		if err := h.opts.Store.CreateExperiment(ctx, exp); err != nil {
			return nil, err
		}

		h.experimentID = exp.ID
	}

	agg := flakiness.NewAggregator()
	runs := make([]capture.RunRecord, 0, h.cfg.Experiment.Runs)
	usable := 0

	for i := 0; i < h.cfg.Experiment.Runs; i++ {
		select {
		case <-ctx.Done():
			h.log.WithField("completed", len(runs)).Info("Experiment interrupted")

			goto finalize
		default:
		}

		record, err := h.runOnce(ctx, agg, i)
		if err != nil {
			// Harness I/O errors are fatal to the loop, but whatever was
			// aggregated so far is still reported.
			h.log.WithError(err).Error("Run aborted by harness error")

			h.finalize(ctx, startedAt, runs, agg)

			return nil, err
		}

		runs = append(runs, *record)

		if record.Status.Usable() {
			usable++
		}
	}

finalize:
	exp, err := h.finalize(ctx, startedAt, runs, agg)
	if err != nil {
		return nil, err
	}

	return &Result{
		RunsCompleted: len(runs),
		RunsUsable:    usable,
		Summary:       exp.Summary,
		Entries:       exp.Entries,
	}, nil
}

// runOnce performs one capture-parse-aggregate cycle. Subject crashes,
// timeouts, and malformed reports are contained here; only harness I/O
// failures propagate.
func (h *harness) runOnce(ctx context.Context, agg *flakiness.Aggregator, runIndex int) (*capture.RunRecord, error) {
	log := h.log.WithField("run", runIndex)

	h.clearReportDirs(runIndex)

	record, err := h.caps.Run(ctx, runIndex)
	if err != nil {
		return nil, err
	}

	var results []junitxml.TestCaseResult

	if record.Status.Usable() {
		results, err = junitxml.ParseReports(h.cfg.ReportDirs(), h.cfg.Report.Pattern, runIndex)
		if err != nil {
			if !errors.Is(err, junitxml.ErrMalformedReport) {
				return nil, err
			}

			// The exit status promised a report but none was usable.
			// The run contributes zero results; the experiment goes on.
			log.WithError(err).Warn("Report missing or unparsable, recording zero results")

			if warnErr := h.writer.Warning(fmt.Sprintf("run %d: %v", runIndex, err)); warnErr != nil {
				return nil, warnErr
			}

			results = nil
		}
	} else {
		log.WithField("status", record.Status).
			Warn("Run did not complete reporting, recording zero results")
	}

	// Zero results still mark the run as seen so the append stays
	// idempotent under retry.
	agg.Append(runIndex, results)

	if err := h.writer.Progress(record); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status":   record.Status,
		"duration": record.Duration().Round(time.Millisecond),
		"tests":    len(results),
	}).Info("Run finished")

	if h.opts.Store != nil {
		run := &store.Run{
			ExperimentID: h.experimentID,
			RunIndex:     record.RunIndex,
			StartedAt:    record.StartedAt,
			Duration:     record.Duration(),
			ExitStatus:   string(record.Status),
			ExitCode:     record.ExitCode,
		}

		if err := h.opts.Store.AppendRun(ctx, run); err != nil {
			log.WithError(err).Warn("Failed to persist run")
		}
	}

	return record, nil
}

// clearReportDirs removes stale report files so a crashed run cannot be
// credited with the previous run's results.
func (h *harness) clearReportDirs(runIndex int) {
	for _, dir := range h.cfg.ReportDirs() {
		if err := os.RemoveAll(dir); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"run": runIndex,
				"dir": dir,
			}).Warn("Failed to clear report directory")
		}
	}
}

// finalize writes all artifacts and persists/uploads the finalized
// state. It is best-effort on the optional sinks but strict on the
// local artifacts.
func (h *harness) finalize(
	ctx context.Context,
	startedAt time.Time,
	runs []capture.RunRecord,
	agg *flakiness.Aggregator,
) (*report.Experiment, error) {
	entries := agg.Finalize()

	exp := &report.Experiment{
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Runs:       runs,
		Entries:    entries,
		Summary:    flakiness.Summarize(entries),
	}

	if err := h.writer.Finalize(exp); err != nil {
		return nil, err
	}

	if h.opts.Store != nil {
		h.persistAggregates(ctx, exp)
	}

	if h.opts.Uploader != nil {
		if err := h.opts.Uploader.Upload(ctx, h.writer.Dir()); err != nil {
			h.log.WithError(err).Warn("Failed to upload artifacts")
		}
	}

	return exp, nil
}

func (h *harness) persistAggregates(ctx context.Context, exp *report.Experiment) {
	rows := make([]store.AggregateEntry, 0, len(exp.Entries))

	for i := range exp.Entries {
		e := &exp.Entries[i]
		rows = append(rows, store.AggregateEntry{
			ExperimentID:   h.experimentID,
			TestID:         e.TestID,
			PassCount:      e.PassCount,
			FailCount:      e.FailCount,
			ErrorCount:     e.ErrorCount,
			SkipCount:      e.SkipCount,
			TotalObserved:  e.TotalObserved,
			Classification: string(e.Classification()),
		})
	}

	if err := h.opts.Store.SaveAggregateEntries(ctx, rows); err != nil {
		h.log.WithError(err).Warn("Failed to persist aggregate entries")
	}

	storeExp := &store.Experiment{
		ID:          h.experimentID,
		Command:     h.cfg.Subject.Command,
		RunsPlanned: h.cfg.Experiment.Runs,
		StartedAt:   exp.StartedAt,
		FinishedAt:  exp.FinishedAt,
	}

	if err := h.opts.Store.FinishExperiment(ctx, storeExp); err != nil {
		h.log.WithError(err).Warn("Failed to finish experiment record")
	}
}
