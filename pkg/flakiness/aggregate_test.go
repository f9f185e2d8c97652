package flakiness

import (
	"testing"

	"github.com/ethpandaops/flakeoor/pkg/junitxml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(id string, verdict junitxml.Verdict) junitxml.TestCaseResult {
	return junitxml.TestCaseResult{TestID: id, Verdict: verdict}
}

func TestAggregator_Classification(t *testing.T) {
	tests := []struct {
		name     string
		verdicts []junitxml.Verdict
		want     Classification
	}{
		{
			name:     "all passes",
			verdicts: []junitxml.Verdict{junitxml.VerdictPass, junitxml.VerdictPass},
			want:     ClassStablePassing,
		},
		{
			name:     "all failures",
			verdicts: []junitxml.Verdict{junitxml.VerdictFail, junitxml.VerdictFail},
			want:     ClassStableFailing,
		},
		{
			name:     "pass then fail is flaky",
			verdicts: []junitxml.Verdict{junitxml.VerdictPass, junitxml.VerdictFail},
			want:     ClassFlaky,
		},
		{
			name:     "pass then error is flaky",
			verdicts: []junitxml.Verdict{junitxml.VerdictPass, junitxml.VerdictError},
			want:     ClassFlaky,
		},
		{
			name:     "errors only are stable-failing",
			verdicts: []junitxml.Verdict{junitxml.VerdictError},
			want:     ClassStableFailing,
		},
		{
			name:     "skips only carry no signal",
			verdicts: []junitxml.Verdict{junitxml.VerdictSkipped, junitxml.VerdictSkipped},
			want:     ClassNeverObserved,
		},
		{
			name:     "pass plus skip is stable-passing",
			verdicts: []junitxml.Verdict{junitxml.VerdictPass, junitxml.VerdictSkipped},
			want:     ClassStablePassing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			for i, v := range tt.verdicts {
				agg.Append(i, []junitxml.TestCaseResult{result("pkg.T.case", v)})
			}

			entries := agg.Finalize()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Classification())
		})
	}
}

// A test that passes twice and fails once across three runs is flaky
// regardless of the order the runs arrived in.
func TestAggregator_FlakyScenarioOrderIndependent(t *testing.T) {
	pass := []junitxml.TestCaseResult{result("com.example.LoginTest.login_valid", junitxml.VerdictPass)}
	fail := []junitxml.TestCaseResult{result("com.example.LoginTest.login_valid", junitxml.VerdictFail)}

	permutations := [][3][]junitxml.TestCaseResult{
		{pass, pass, fail},
		{pass, fail, pass},
		{fail, pass, pass},
	}

	for _, perm := range permutations {
		agg := NewAggregator()
		for i, results := range perm {
			agg.Append(i, results)
		}

		entries := agg.Finalize()
		require.Len(t, entries, 1)

		e := entries[0]
		assert.Equal(t, 2, e.PassCount)
		assert.Equal(t, 1, e.FailCount)
		assert.Equal(t, 3, e.TotalObserved)
		assert.Equal(t, ClassFlaky, e.Classification())
	}
}

func TestAggregator_AppendIsIdempotentPerRun(t *testing.T) {
	agg := NewAggregator()
	results := []junitxml.TestCaseResult{result("pkg.T.case", junitxml.VerdictPass)}

	agg.Append(0, results)
	agg.Append(0, results)
	agg.Append(0, results)

	entries := agg.Finalize()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].PassCount)
	assert.Equal(t, 1, entries[0].TotalObserved)
	assert.Equal(t, 1, agg.RunsSeen())
}

func TestAggregator_EmptyRunStillMarksSeen(t *testing.T) {
	agg := NewAggregator()

	// A crashed run contributes zero results but is still counted.
	agg.Append(0, nil)
	assert.Equal(t, 1, agg.RunsSeen())

	// A later retry of the same index with real results is discarded.
	agg.Append(0, []junitxml.TestCaseResult{result("pkg.T.case", junitxml.VerdictPass)})
	assert.Empty(t, agg.Finalize())
}

func TestAggregator_TestAbsentFromSomeRuns(t *testing.T) {
	agg := NewAggregator()

	agg.Append(0, []junitxml.TestCaseResult{
		result("pkg.T.always", junitxml.VerdictPass),
		result("pkg.T.sometimes", junitxml.VerdictFail),
	})
	agg.Append(1, []junitxml.TestCaseResult{
		result("pkg.T.always", junitxml.VerdictPass),
	})

	entries := agg.Finalize()
	require.Len(t, entries, 2)

	// Sorted by test id.
	assert.Equal(t, "pkg.T.always", entries[0].TestID)
	assert.Equal(t, 2, entries[0].TotalObserved)
	assert.Equal(t, ClassStablePassing, entries[0].Classification())

	assert.Equal(t, "pkg.T.sometimes", entries[1].TestID)
	assert.Equal(t, 1, entries[1].TotalObserved)
	assert.Equal(t, ClassStableFailing, entries[1].Classification())
}

func TestAggregator_ObservationsRetainRunAndDetail(t *testing.T) {
	agg := NewAggregator()
	agg.Append(5, []junitxml.TestCaseResult{{
		TestID:        "pkg.T.case",
		RunIndex:      5,
		Verdict:       junitxml.VerdictError,
		FailureDetail: "connection refused",
	}})

	entries := agg.Finalize()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Observations, 1)

	obs := entries[0].Observations[0]
	assert.Equal(t, 5, obs.RunIndex)
	assert.Equal(t, junitxml.VerdictError, obs.Verdict)
	assert.Equal(t, "connection refused", obs.Detail)
}

func TestFinalize_Empty(t *testing.T) {
	agg := NewAggregator()
	assert.Empty(t, agg.Finalize())
	assert.Equal(t, 0, agg.RunsSeen())
}

func TestSummarize(t *testing.T) {
	entries := []Entry{
		{TestID: "a", PassCount: 3},
		{TestID: "b", PassCount: 2, FailCount: 1},
		{TestID: "c", ErrorCount: 3},
		{TestID: "d", SkipCount: 3},
	}

	s := Summarize(entries)
	assert.Equal(t, 1, s.StablePassing)
	assert.Equal(t, 1, s.Flaky)
	assert.Equal(t, 1, s.StableFailing)
	assert.Equal(t, 1, s.NeverObserved)
}

func TestFlaky(t *testing.T) {
	entries := []Entry{
		{TestID: "a", PassCount: 3},
		{TestID: "b", PassCount: 2, FailCount: 1},
		{TestID: "c", PassCount: 1, ErrorCount: 2},
	}

	flaky := Flaky(entries)
	require.Len(t, flaky, 2)
	assert.Equal(t, "b", flaky[0].TestID)
	assert.Equal(t, "c", flaky[1].TestID)
}
