// Package report renders experiment results into the output artifacts:
// a human-readable log, three delimited tables, a markdown summary, and
// a machine-readable experiment.json.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/capture"
	"github.com/ethpandaops/flakeoor/pkg/flakiness"
	"github.com/ethpandaops/flakeoor/pkg/fsutil"
	"github.com/ethpandaops/flakeoor/pkg/junitxml"
	"github.com/sirupsen/logrus"
)

const (
	// LogFile is the human-readable experiment log (append-as-available).
	LogFile = "flakiness_tests.log"

	// BuildStatsFile has one row per run: index, duration, exit status.
	BuildStatsFile = "build_stats.csv"

	// FailingTestsFile has one row per (run, test) with a fail or error
	// verdict.
	FailingTestsFile = "failing_tests.csv"

	// FlakyTestsFile has one row per test id classified flaky.
	FlakyTestsFile = "flaky_tests.csv"

	// ExperimentFile is the machine-readable finalized state.
	ExperimentFile = "experiment.json"

	// SummaryFile is the markdown experiment summary.
	SummaryFile = "summary.md"
)

// Experiment is the serialized shape of experiment.json.
type Experiment struct {
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Runs       []capture.RunRecord `json:"runs"`
	Entries    []flakiness.Entry   `json:"entries"`
	Summary    flakiness.Summary   `json:"summary"`
}

// Writer renders experiment artifacts. The log file is opened for
// appending at construction so progress lines survive a harness crash;
// the tabular artifacts are written once at finalize.
type Writer struct {
	log     logrus.FieldLogger
	dir     string
	owner   *fsutil.OwnerConfig
	logFile *os.File
}

// NewWriter creates the output directory and opens the human log. A
// non-nil owner is applied to the directory and every artifact.
func NewWriter(log logrus.FieldLogger, dir string, owner *fsutil.OwnerConfig) (*Writer, error) {
	if err := fsutil.MkdirAll(dir, 0o755, owner); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	logFile, err := fsutil.OpenAppend(filepath.Join(dir, LogFile), 0o644, owner)
	if err != nil {
		return nil, fmt.Errorf("opening experiment log: %w", err)
	}

	return &Writer{
		log:     log.WithField("component", "report"),
		dir:     dir,
		owner:   owner,
		logFile: logFile,
	}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Close releases the human log file handle.
func (w *Writer) Close() error {
	return w.logFile.Close()
}

// Progress appends one line for a completed run. A write failure here
// is fatal to the experiment: losing the audit trail silently would
// make the collected data untrustworthy.
func (w *Writer) Progress(record *capture.RunRecord) error {
	return w.logLine(fmt.Sprintf("run %d finished: status=%s exit_code=%d duration=%s",
		record.RunIndex, record.Status, record.ExitCode,
		record.Duration().Round(time.Millisecond)))
}

// Warning appends a free-form warning line, e.g. for a malformed report.
func (w *Writer) Warning(msg string) error {
	return w.logLine("warning: " + msg)
}

func (w *Writer) logLine(msg string) error {
	line := fmt.Sprintf("%s %s\n", time.Now().Format("2006-01-02 15:04:05"), msg)

	if _, err := w.logFile.WriteString(line); err != nil {
		return fmt.Errorf("appending to experiment log: %w", err)
	}

	return nil
}

// Finalize writes the tabular artifacts, the experiment.json, the
// markdown summary, and the closing log section. All inputs are
// read-only; the writer holds no aggregate state of its own.
func (w *Writer) Finalize(exp *Experiment) error {
	if err := w.writeBuildStats(exp.Runs); err != nil {
		return err
	}

	if err := w.writeFailingTests(exp.Entries); err != nil {
		return err
	}

	if err := w.writeFlakyTests(exp.Entries); err != nil {
		return err
	}

	if err := w.writeExperiment(exp); err != nil {
		return err
	}

	if err := w.writeSummaryMarkdown(exp); err != nil {
		return err
	}

	if err := w.logSummary(exp); err != nil {
		return err
	}

	w.log.WithFields(logrus.Fields{
		"dir":     w.dir,
		"runs":    len(exp.Runs),
		"entries": len(exp.Entries),
	}).Info("Experiment artifacts written")

	return nil
}

func (w *Writer) writeBuildStats(runs []capture.RunRecord) error {
	rows := [][]string{{"run_index", "started_at", "duration_seconds", "exit_status", "exit_code"}}

	for i := range runs {
		r := &runs[i]
		rows = append(rows, []string{
			strconv.Itoa(r.RunIndex),
			r.StartedAt.Format(time.RFC3339),
			formatSeconds(r.Duration()),
			string(r.Status),
			strconv.Itoa(r.ExitCode),
		})
	}

	return w.writeCSV(BuildStatsFile, rows)
}

func (w *Writer) writeFailingTests(entries []flakiness.Entry) error {
	rows := [][]string{{"run_index", "test_id", "verdict", "duration_seconds", "failure_detail"}}

	for i := range entries {
		for _, obs := range entries[i].Observations {
			if obs.Verdict != junitxml.VerdictFail && obs.Verdict != junitxml.VerdictError {
				continue
			}

			rows = append(rows, []string{
				strconv.Itoa(obs.RunIndex),
				entries[i].TestID,
				string(obs.Verdict),
				formatSeconds(obs.Duration),
				obs.Detail,
			})
		}
	}

	return w.writeCSV(FailingTestsFile, rows)
}

func (w *Writer) writeFlakyTests(entries []flakiness.Entry) error {
	rows := [][]string{{"test_id", "pass_count", "fail_count", "error_count", "skip_count", "total_observed"}}

	for _, e := range flakiness.Flaky(entries) {
		rows = append(rows, []string{
			e.TestID,
			strconv.Itoa(e.PassCount),
			strconv.Itoa(e.FailCount),
			strconv.Itoa(e.ErrorCount),
			strconv.Itoa(e.SkipCount),
			strconv.Itoa(e.TotalObserved),
		})
	}

	return w.writeCSV(FlakyTestsFile, rows)
}

func (w *Writer) writeExperiment(exp *Experiment) error {
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling experiment: %w", err)
	}

	path := filepath.Join(w.dir, ExperimentFile)
	if err := fsutil.WriteFile(path, data, 0o644, w.owner); err != nil {
		return fmt.Errorf("writing %s: %w", ExperimentFile, err)
	}

	return nil
}

func (w *Writer) logSummary(exp *Experiment) error {
	byStatus := make(map[capture.ExitStatus]int, 4)
	for i := range exp.Runs {
		byStatus[exp.Runs[i].Status]++
	}

	lines := []string{
		fmt.Sprintf("experiment finished: %d runs (%d ordinary, %d non-zero, %d crashed, %d timed_out)",
			len(exp.Runs),
			byStatus[capture.StatusOrdinary],
			byStatus[capture.StatusNonZero],
			byStatus[capture.StatusCrashed],
			byStatus[capture.StatusTimedOut]),
		fmt.Sprintf("tests: %d stable-passing, %d stable-failing, %d flaky, %d never-observed",
			exp.Summary.StablePassing,
			exp.Summary.StableFailing,
			exp.Summary.Flaky,
			exp.Summary.NeverObserved),
	}

	for _, line := range lines {
		if err := w.logLine(line); err != nil {
			return err
		}
	}

	return nil
}

// writeCSV writes rows atomically: first to a temp file in the output
// directory, then renamed into place, so a table is never observed
// half-written.
func (w *Writer) writeCSV(name string, rows [][]string) error {
	tmp, err := os.CreateTemp(w.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}

	cw := csv.NewWriter(tmp)
	if err := cw.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("writing %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("closing %s: %w", name, err)
	}

	target := filepath.Join(w.dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("renaming %s into place: %w", name, err)
	}

	fsutil.Chown(target, w.owner)

	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
