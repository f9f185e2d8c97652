// Package capture executes one full suite run as a subprocess and
// records its outcome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// ExitStatus classifies how a subject execution terminated.
type ExitStatus string

const (
	// StatusOrdinary is a clean zero exit.
	StatusOrdinary ExitStatus = "ordinary"

	// StatusNonZero is an ordinary exit with a non-zero code. Tests ran
	// and some failed; a structured report is still expected.
	StatusNonZero ExitStatus = "non-zero"

	// StatusCrashed is an abnormal termination (signal).
	StatusCrashed ExitStatus = "crashed"

	// StatusTimedOut means the execution exceeded its timeout and was
	// forcibly killed.
	StatusTimedOut ExitStatus = "timed_out"
)

// Usable reports whether a structured test report can be expected for
// this status. Crashed and timed-out runs terminate before reporting.
func (s ExitStatus) Usable() bool {
	return s == StatusOrdinary || s == StatusNonZero
}

// RunRecord describes one execution of the full suite. It is sealed
// once the execution finishes and read-only downstream.
type RunRecord struct {
	RunIndex   int        `json:"run_index"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at"`
	Status     ExitStatus `json:"exit_status"`
	ExitCode   int        `json:"exit_code"`
	OutputPath string     `json:"output_path"`
}

// Duration returns the wall-clock duration of the execution.
func (r *RunRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Config for the capturer.
type Config struct {
	// Command is a shell line performing one build-and-test cycle.
	Command string

	// SetupCommands run before the subject command on every run.
	SetupCommands []string

	Workdir string
	Env     []string
	Timeout time.Duration

	// OutputDir receives the per-run raw output files.
	OutputDir string

	// Owner is an optional UID:GID applied to the output files.
	Owner *fsutil.OwnerConfig

	// MirrorToStdout additionally streams subject output to stdout.
	MirrorToStdout bool
}

// Capturer executes subject runs.
type Capturer interface {
	// Run performs one full execution and returns its sealed record.
	// A crash or timeout of the subject is reported through the record's
	// Status, not through the error; the error is reserved for harness
	// I/O failures such as an unwritable output file.
	Run(ctx context.Context, runIndex int) (*RunRecord, error)
}

// NewCapturer creates a capturer for the given subject configuration.
func NewCapturer(log logrus.FieldLogger, cfg *Config) Capturer {
	return &capturer{
		log: log.WithField("component", "capture"),
		cfg: cfg,
	}
}

type capturer struct {
	log logrus.FieldLogger
	cfg *Config
}

var _ Capturer = (*capturer)(nil)

// Run executes the configured subject command once.
func (c *capturer) Run(ctx context.Context, runIndex int) (*RunRecord, error) {
	outputPath := filepath.Join(c.cfg.OutputDir, fmt.Sprintf("run_%03d.output.log", runIndex))

	outFile, err := fsutil.Create(outputPath, c.cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	defer outFile.Close()

	var sink io.Writer = outFile
	if c.cfg.MirrorToStdout {
		sink = io.MultiWriter(outFile, os.Stdout)
	}

	log := c.log.WithField("run", runIndex)

	// Per-run setup (e.g. resetting the subject's database). Failures
	// are logged and surface later as test failures, not harness errors.
	for _, setup := range c.cfg.SetupCommands {
		log.WithField("cmd", setup).Info("Running setup command")

		if err := c.runShell(ctx, setup, sink); err != nil {
			log.WithError(err).WithField("cmd", setup).Warn("Setup command failed")
		}
	}

	log.WithField("cmd", c.cfg.Command).Info("Starting suite execution")

	runCtx := ctx
	var cancel context.CancelFunc

	if c.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	record := &RunRecord{
		RunIndex:   runIndex,
		StartedAt:  time.Now(),
		OutputPath: outputPath,
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", c.cfg.Command)
	cmd.Dir = c.cfg.Workdir
	cmd.Env = c.cfg.Env
	cmd.Stdout = sink
	cmd.Stderr = sink

	// The subject is a shell line that spawns children (maven, a JVM);
	// on timeout the whole process group must die, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	runErr := cmd.Run()
	record.EndedAt = time.Now()
	record.Status, record.ExitCode = classify(runCtx, runErr)

	return record, nil
}

// runShell runs a single shell line, blocking until it exits.
func (c *capturer) runShell(ctx context.Context, line string, sink io.Writer) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = c.cfg.Workdir
	cmd.Env = c.cfg.Env
	cmd.Stdout = sink
	cmd.Stderr = sink

	return cmd.Run()
}

// classify maps the subprocess termination to an ExitStatus. The
// non-zero/crashed/timed_out distinction is load-bearing: only ordinary
// and non-zero exits guarantee a usable structured report.
func classify(ctx context.Context, runErr error) (ExitStatus, int) {
	if runErr == nil {
		return StatusOrdinary, 0
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimedOut, -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return StatusNonZero, code
		}

		// Negative exit code means the process was signal-terminated.
		return StatusCrashed, -1
	}

	// The command never started (exec failure). Treat as a crash: the
	// run produced nothing, but the experiment continues.
	return StatusCrashed, -1
}
