package report

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/flakiness"
	"github.com/ethpandaops/flakeoor/pkg/fsutil"
)

// writeSummaryMarkdown renders summary.md for humans browsing the
// output directory (or a results bucket) without the CSV tooling.
func (w *Writer) writeSummaryMarkdown(exp *Experiment) error {
	md := GenerateMarkdown(exp)

	path := filepath.Join(w.dir, SummaryFile)
	if err := fsutil.WriteFile(path, []byte(md), 0o644, w.owner); err != nil {
		return fmt.Errorf("writing %s: %w", SummaryFile, err)
	}

	return nil
}

// GenerateMarkdown renders the experiment summary as markdown.
func GenerateMarkdown(exp *Experiment) string {
	var b strings.Builder

	b.WriteString("# Flakiness experiment summary\n\n")
	fmt.Fprintf(&b, "- Started: %s\n", exp.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", exp.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Runs: %d\n\n", len(exp.Runs))

	b.WriteString("## Runs\n\n")
	b.WriteString("| run | duration | exit status | exit code |\n")
	b.WriteString("|----:|---------:|-------------|----------:|\n")

	for i := range exp.Runs {
		r := &exp.Runs[i]
		fmt.Fprintf(&b, "| %d | %s | %s | %d |\n",
			r.RunIndex, r.Duration().Round(time.Second), r.Status, r.ExitCode)
	}

	b.WriteString("\n## Classification\n\n")
	fmt.Fprintf(&b, "- Stable passing: %d\n", exp.Summary.StablePassing)
	fmt.Fprintf(&b, "- Stable failing: %d\n", exp.Summary.StableFailing)
	fmt.Fprintf(&b, "- Flaky: %d\n", exp.Summary.Flaky)
	fmt.Fprintf(&b, "- Never observed: %d\n", exp.Summary.NeverObserved)

	flaky := flakiness.Flaky(exp.Entries)
	if len(flaky) > 0 {
		b.WriteString("\n## Flaky tests\n\n")
		b.WriteString("| test | pass | fail | error | observed |\n")
		b.WriteString("|------|-----:|-----:|------:|---------:|\n")

		for i := range flaky {
			e := &flaky[i]
			fmt.Fprintf(&b, "| `%s` | %d | %d | %d | %d |\n",
				e.TestID, e.PassCount, e.FailCount, e.ErrorCount, e.TotalObserved)
		}
	}

	return b.String()
}
