package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := NewStore(log, &config.StoreConfig{
		Enabled: true,
		Driver:  "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})

	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, st.Stop()) })

	return st
}

func TestStore_UnsupportedDriver(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := NewStore(log, &config.StoreConfig{Driver: "oracle"})
	err := st.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestStore_ExperimentLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exp := &Experiment{
		Command:     "mvn clean verify",
		RunsPlanned: 30,
		StartedAt:   time.Now(),
	}
	require.NoError(t, st.CreateExperiment(ctx, exp))
	require.NotZero(t, exp.ID)

	exp.FinishedAt = time.Now()
	require.NoError(t, st.FinishExperiment(ctx, exp))

	got, err := st.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, "mvn clean verify", got.Command)
	assert.Equal(t, 30, got.RunsPlanned)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestStore_GetExperimentNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetExperiment(context.Background(), 999)
	require.Error(t, err)
}

func TestStore_ListExperimentsNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := &Experiment{Command: "make test", RunsPlanned: 10}
	second := &Experiment{Command: "make itest", RunsPlanned: 5}
	require.NoError(t, st.CreateExperiment(ctx, first))
	require.NoError(t, st.CreateExperiment(ctx, second))

	experiments, err := st.ListExperiments(ctx)
	require.NoError(t, err)
	require.Len(t, experiments, 2)
	assert.Equal(t, second.ID, experiments[0].ID)
	assert.Equal(t, first.ID, experiments[1].ID)
}

func TestStore_RunsOrderedByIndex(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exp := &Experiment{Command: "make test", RunsPlanned: 3}
	require.NoError(t, st.CreateExperiment(ctx, exp))

	for _, idx := range []int{2, 0, 1} {
		require.NoError(t, st.AppendRun(ctx, &Run{
			ExperimentID: exp.ID,
			RunIndex:     idx,
			Duration:     time.Duration(idx) * time.Second,
			ExitStatus:   "ordinary",
		}))
	}

	runs, err := st.ListRuns(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	for i, run := range runs {
		assert.Equal(t, i, run.RunIndex)
	}
}

func TestStore_RunsScopedToExperiment(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &Experiment{Command: "a"}
	b := &Experiment{Command: "b"}
	require.NoError(t, st.CreateExperiment(ctx, a))
	require.NoError(t, st.CreateExperiment(ctx, b))

	require.NoError(t, st.AppendRun(ctx, &Run{ExperimentID: a.ID, ExitStatus: "ordinary"}))
	require.NoError(t, st.AppendRun(ctx, &Run{ExperimentID: b.ID, ExitStatus: "crashed"}))

	runs, err := st.ListRuns(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ordinary", runs[0].ExitStatus)
}

func TestStore_AggregateEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	exp := &Experiment{Command: "make test"}
	require.NoError(t, st.CreateExperiment(ctx, exp))

	require.NoError(t, st.SaveAggregateEntries(ctx, []AggregateEntry{
		{
			ExperimentID: exp.ID, TestID: "com.example.B.two",
			PassCount: 2, FailCount: 1, TotalObserved: 3,
			Classification: "flaky",
		},
		{
			ExperimentID: exp.ID, TestID: "com.example.A.one",
			PassCount: 3, TotalObserved: 3,
			Classification: "stable-passing",
		},
	}))

	all, err := st.ListAggregateEntries(ctx, exp.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "com.example.A.one", all[0].TestID)

	flaky, err := st.ListAggregateEntries(ctx, exp.ID, "flaky")
	require.NoError(t, err)
	require.Len(t, flaky, 1)
	assert.Equal(t, "com.example.B.two", flaky[0].TestID)
}

func TestStore_SaveAggregateEntriesEmpty(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.SaveAggregateEntries(context.Background(), nil))
}
