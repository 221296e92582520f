package results

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lifelong/internal/trainers"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "results.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFromSummary_SkipsUnmeasuredCells(t *testing.T) {
	nan := math.NaN()
	s := trainers.Summary{
		ClassSplits:     [][]int{{0, 1}, {2, 3}},
		Acc:             [][]float64{{0.9, nan}, {0.7, 0.8}},
		TrainedTasks:    []int{0, 1},
		AverageAccuracy: 0.75,
		Forgetting:      0.2,
		FirstTaskDrift:  0.25,
	}
	run := FromSummary("exp", "CUB_EMBEDDINGS", "agem", 42, s)
	assert.Equal(t, 2, run.NumTasks)
	assert.Equal(t, 0.25, run.FirstTaskDrift)
	assert.Equal(t, []TaskAccuracy{
		{AfterTask: 0, Task: 0, Accuracy: 0.9},
		{AfterTask: 1, Task: 0, Accuracy: 0.7},
		{AfterTask: 1, Task: 1, Accuracy: 0.8},
	}, run.Accuracies)
}

func TestStore_SaveAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	older := &Run{Experiment: "a", Dataset: "MNIST", Trainer: "basic", CreatedAt: time.Now().Add(-time.Hour),
		Accuracies: []TaskAccuracy{{AfterTask: 0, Task: 0, Accuracy: 0.5}}}
	newer := &Run{Experiment: "a", Dataset: "MNIST", Trainer: "agem", AverageAccuracy: 0.8,
		Accuracies: []TaskAccuracy{{AfterTask: 0, Task: 0, Accuracy: 0.9}, {AfterTask: 1, Task: 0, Accuracy: 0.7}}}
	other := &Run{Experiment: "b", Dataset: "CUB", Trainer: "agem"}
	for _, r := range []*Run{older, newer, other} {
		require.NoError(t, s.SaveRun(ctx, r))
		assert.NotZero(t, r.ID)
	}

	runs, err := s.Runs(ctx, "a")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID, "newest first")
	assert.Equal(t, "agem", runs[0].Trainer)
	assert.Len(t, runs[0].Accuracies, 2)
	assert.Equal(t, runs[0].ID, runs[0].Accuracies[0].RunID)
	assert.Len(t, runs[1].Accuracies, 1)

	all, err := s.Runs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(ctx, &Run{Experiment: "persist"}))
	require.NoError(t, s.Close())

	s, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs(ctx, "persist")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
