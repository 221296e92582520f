package trainers

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"lifelong/internal/metrics"
	"lifelong/internal/models"
)

func TestMakeClassSplits(t *testing.T) {
	cfg := testConfig(10, 3)
	splits := MakeClassSplits(cfg, rand.New(rand.NewSource(1)))
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6}, {7, 8, 9}}, splits)

	cfg.LLLSetup.ClassSplits = [][]int{{3}, {1, 2}}
	assert.Equal(t, [][]int{{3}, {1, 2}}, MakeClassSplits(cfg, rand.New(rand.NewSource(1))))
}

func TestProperty_ShuffledSplitsPartitionClasses(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 50).Draw(rt, "classes")
		n := rapid.IntRange(1, k).Draw(rt, "tasks")
		cfg := testConfig(k, n)
		cfg.LLLSetup.Shuffle = true
		splits := MakeClassSplits(cfg, rand.New(rand.NewSource(rapid.Int64().Draw(rt, "seed"))))

		if len(splits) != n {
			rt.Fatalf("%d splits, want %d", len(splits), n)
		}
		var all []int
		for _, s := range splits {
			if len(s) < k/n || len(s) > k/n+1 {
				rt.Fatalf("split of size %d for %d classes over %d tasks", len(s), k, n)
			}
			all = append(all, s...)
		}
		sort.Ints(all)
		for i, c := range all {
			if c != i {
				rt.Fatalf("classes are not a partition: %v", all)
			}
		}
	})
}

func TestAccuracyAndForgetting(t *testing.T) {
	nan := math.NaN()
	acc := [][]float64{
		{0.9, nan, nan},
		{0.7, 0.8, nan},
		{0.6, 0.5, 1.0},
	}
	avg, forgetting := AccuracyAndForgetting(acc, []int{0, 1, 2})
	assert.InDelta(t, 0.7, avg, 1e-9)
	assert.InDelta(t, ((0.9-0.6)+(0.8-0.5))/2, forgetting, 1e-9)

	avg, forgetting = AccuracyAndForgetting(acc, []int{0})
	assert.InDelta(t, 0.9, avg, 1e-9)
	assert.Zero(t, forgetting)

	avg, forgetting = AccuracyAndForgetting(acc, nil)
	assert.Zero(t, avg)
	assert.Zero(t, forgetting)
}

func TestMaxAbsDiff(t *testing.T) {
	assert.Equal(t, float32(0.5), MaxAbsDiff([]float32{1, 2, 3}, []float32{1, 2.5, 2.75}))
	assert.True(t, math.IsNaN(float64(MaxAbsDiff([]float32{1}, nil))))
}

func TestNewLLLTrainer_UnknownTrainer(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.Trainer = "ewc"
	ds := blobs(4, 2, 1)
	_, err := NewLLLTrainer(cfg, nil, ds, ds, zap.NewNop(), nil)
	assert.True(t, errors.Is(err, ErrUnknownTrainer))
}

func runLLL(t *testing.T, trainer string, splits [][]int, startTask int) (*LLLTrainer, Summary, *metrics.Recorder) {
	t.Helper()
	cfg := testConfig(4, len(splits))
	cfg.Trainer = trainer
	cfg.StartTask = startTask
	cfg.LLLSetup.ClassSplits = splits
	train := blobs(4, 6, 11)
	test := blobs(4, 3, 12)

	model, err := models.NewFeatClassifier(models.NewParamSet(), featDim, []int{8}, 4, "relu")
	require.NoError(t, err)
	rec := metrics.NewRecorder("lll", zap.NewNop())
	l, err := NewLLLTrainer(cfg, model, train, test, zap.NewNop(), rec)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	s, err := l.Summary()
	require.NoError(t, err)
	return l, s, rec
}

func TestLLLTrainer_AgemRun(t *testing.T) {
	l, s, rec := runLLL(t, "agem", [][]int{{0, 1}, {2, 3}}, 0)

	require.Len(t, l.Trainers, 2)
	first := l.Trainers[0].(*AgemTaskTrainer)
	second := l.Trainers[1].(*AgemTaskTrainer)
	assert.Same(t, first, second.Prev())
	assert.Same(t, first.Memory, second.Memory)
	assert.Equal(t, 12, second.Memory.Len(), "3 per class over 4 classes")
	assert.Equal(t, 12.0, gaugeValue(t, rec.Registry(), "lll_episodic_memory_size"))

	assert.Equal(t, []int{0, 1}, s.TrainedTasks)
	assert.True(t, math.IsNaN(s.Acc[0][1]), "task 1 unseen after task 0")
	for _, a := range []float64{s.Acc[0][0], s.Acc[1][0], s.Acc[1][1]} {
		assert.GreaterOrEqual(t, a, 0.0)
		assert.LessOrEqual(t, a, 1.0)
	}
	assert.InDelta(t, (s.Acc[1][0]+s.Acc[1][1])/2, s.AverageAccuracy, 1e-9)
	assert.InDelta(t, s.Acc[0][0]-s.Acc[1][0], s.Forgetting, 1e-9)
	assert.False(t, math.IsNaN(float64(s.FirstTaskDrift)))
	assert.InDelta(t, s.AverageAccuracy, gaugeValue(t, rec.Registry(), "lll_average_accuracy"), 1e-9)
}

func TestLLLTrainer_BasicRun(t *testing.T) {
	l, s, _ := runLLL(t, "basic", [][]int{{0, 1}, {2, 3}}, 0)
	_, ok := l.Trainers[1].(*BasicTaskTrainer)
	assert.True(t, ok)
	assert.Equal(t, []int{0, 1}, s.TrainedTasks)
}

func TestLLLTrainer_StartTaskSkipsEarlierTasks(t *testing.T) {
	l, s, _ := runLLL(t, "agem", [][]int{{0, 1}, {2, 3}}, 1)
	assert.Len(t, l.Trainers, 2, "skipped tasks are still constructed")
	assert.Equal(t, []int{1}, s.TrainedTasks)
	assert.True(t, math.IsNaN(s.Acc[1][0]))
	assert.Zero(t, s.Forgetting)
}

func TestLLLTrainer_SkipsTaskWithoutData(t *testing.T) {
	cfg := testConfig(6, 2)
	cfg.LLLSetup.ClassSplits = [][]int{{0, 1}, {5}}
	train := blobs(4, 4, 1)
	model, err := models.NewFeatClassifier(models.NewParamSet(), featDim, nil, 6, "relu")
	require.NoError(t, err)
	l, err := NewLLLTrainer(cfg, model, train, train, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, l.Start())

	s, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, s.TrainedTasks)
	assert.Zero(t, s.FirstTaskDrift)
}
