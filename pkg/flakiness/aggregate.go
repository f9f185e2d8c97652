// Package flakiness accumulates per-test verdicts across runs and
// classifies each test id at the end of an experiment.
package flakiness

import (
	"sort"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/junitxml"
)

// Classification of a test id computed from its final counts.
type Classification string

const (
	// ClassFlaky: at least one pass and at least one fail/error.
	ClassFlaky Classification = "flaky"

	// ClassStableFailing: no passes, at least one fail/error.
	ClassStableFailing Classification = "stable-failing"

	// ClassStablePassing: at least one pass, no fails or errors.
	ClassStablePassing Classification = "stable-passing"

	// ClassNeverObserved: the id never ran in any completed run. Ids
	// observed only as skipped fall here as well, since a skip carries
	// no pass/fail signal.
	ClassNeverObserved Classification = "never-observed"
)

// Observation is one (run index, verdict) pair. Order is retained for
// diagnostics only; classification ignores it.
type Observation struct {
	RunIndex int              `json:"run_index"`
	Verdict  junitxml.Verdict `json:"verdict"`
	Duration time.Duration    `json:"duration"`

	// Detail carries the failure message for fail/error verdicts.
	Detail string `json:"detail,omitempty"`
}

// Entry is the aggregate for one test id across all completed runs.
type Entry struct {
	TestID        string        `json:"test_id"`
	PassCount     int           `json:"pass_count"`
	FailCount     int           `json:"fail_count"`
	ErrorCount    int           `json:"error_count"`
	SkipCount     int           `json:"skip_count"`
	TotalObserved int           `json:"total_observed"`
	Observations  []Observation `json:"observations"`
}

// Classification derives the entry's class from its counts.
func (e *Entry) Classification() Classification {
	failing := e.FailCount + e.ErrorCount

	switch {
	case e.PassCount >= 1 && failing >= 1:
		return ClassFlaky
	case e.PassCount == 0 && failing >= 1:
		return ClassStableFailing
	case e.PassCount >= 1:
		return ClassStablePassing
	default:
		return ClassNeverObserved
	}
}

// Aggregator accumulates TestCaseResults per test id. It is not safe
// for concurrent use; the harness is the only caller by design.
type Aggregator struct {
	entries  map[string]*Entry
	seenRuns map[int]struct{}
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		entries:  make(map[string]*Entry),
		seenRuns: make(map[int]struct{}),
	}
}

// Append records one run's results. It is idempotent per run index:
// re-feeding a run that was already appended is a no-op, so a retried
// append can never double-count. An empty results slice still marks the
// run as seen.
func (a *Aggregator) Append(runIndex int, results []junitxml.TestCaseResult) {
	if _, seen := a.seenRuns[runIndex]; seen {
		return
	}

	a.seenRuns[runIndex] = struct{}{}

	for _, r := range results {
		entry, ok := a.entries[r.TestID]
		if !ok {
			entry = &Entry{TestID: r.TestID}
			a.entries[r.TestID] = entry
		}

		entry.Observations = append(entry.Observations, Observation{
			RunIndex: runIndex,
			Verdict:  r.Verdict,
			Duration: r.Duration,
			Detail:   r.FailureDetail,
		})
		entry.TotalObserved++

		switch r.Verdict {
		case junitxml.VerdictPass:
			entry.PassCount++
		case junitxml.VerdictFail:
			entry.FailCount++
		case junitxml.VerdictError:
			entry.ErrorCount++
		case junitxml.VerdictSkipped:
			entry.SkipCount++
		}
	}
}

// RunsSeen returns the number of distinct run indices appended.
func (a *Aggregator) RunsSeen() int {
	return len(a.seenRuns)
}

// Finalize returns all entries sorted by test id. The aggregator can
// still be appended to afterwards; Finalize is a snapshot.
func (a *Aggregator) Finalize() []Entry {
	entries := make([]Entry, 0, len(a.entries))

	for _, e := range a.entries {
		entries = append(entries, *e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TestID < entries[j].TestID
	})

	return entries
}

// Summary holds classification counts over a finalized entry set.
type Summary struct {
	StablePassing int `json:"stable_passing"`
	StableFailing int `json:"stable_failing"`
	Flaky         int `json:"flaky"`
	NeverObserved int `json:"never_observed"`
}

// Summarize counts entries per classification.
func Summarize(entries []Entry) Summary {
	var s Summary

	for i := range entries {
		switch entries[i].Classification() {
		case ClassStablePassing:
			s.StablePassing++
		case ClassStableFailing:
			s.StableFailing++
		case ClassFlaky:
			s.Flaky++
		case ClassNeverObserved:
			s.NeverObserved++
		}
	}

	return s
}

// Flaky filters the entries classified flaky, preserving order.
func Flaky(entries []Entry) []Entry {
	flaky := make([]Entry, 0)

	for i := range entries {
		if entries[i].Classification() == ClassFlaky {
			flaky = append(flaky, entries[i])
		}
	}

	return flaky
}
