package trainers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lifelong/internal/config"
	"lifelong/internal/dataloaders"
	"lifelong/internal/metrics"
	"lifelong/internal/models"
)

// Summary is the outcome of a full run. Acc[i][j] is the test accuracy
// on task j after training task i; NaN where it was not measured.
type Summary struct {
	ClassSplits     [][]int
	Acc             [][]float64
	TrainedTasks    []int
	AverageAccuracy float64
	Forgetting      float64
	// FirstTaskDrift is the largest change of any predicted probability on
	// the first trained task between its own end and the end of the run.
	FirstTaskDrift float32
}

// LLLTrainer builds task trainers strictly in order, each pointing at its
// predecessor, and trains them one after another on a shared model.
type LLLTrainer struct {
	cfg         *config.Config
	env         Env
	ClassSplits [][]int
	Trainers    []Trainer
	acc         [][]float64
	trained     []int
	firstProbs  []float32
	logger      *zap.Logger
}

func NewLLLTrainer(cfg *config.Config, model models.Classifier, train, test *dataloaders.Dataset, logger *zap.Logger, rec *metrics.Recorder) (*LLLTrainer, error) {
	switch cfg.Trainer {
	case "basic", "agem":
	default:
		return nil, errors.Wrapf(ErrUnknownTrainer, "%q", cfg.Trainer)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	splits := MakeClassSplits(cfg, rng)
	n := len(splits)
	acc := make([][]float64, n)
	for i := range acc {
		acc[i] = make([]float64, n)
		for j := range acc[i] {
			acc[i][j] = math.NaN()
		}
	}
	return &LLLTrainer{
		cfg: cfg,
		env: Env{
			Config:  cfg,
			Model:   model,
			Train:   train,
			Test:    test,
			Rng:     rng,
			Logger:  logger,
			Metrics: rec,
		},
		ClassSplits: splits,
		acc:         acc,
		logger:      logger,
	}, nil
}

// MakeClassSplits returns the configured splits, or divides all classes
// (shuffled when requested) into num_tasks nearly equal contiguous groups.
func MakeClassSplits(cfg *config.Config, rng *rand.Rand) [][]int {
	if len(cfg.LLLSetup.ClassSplits) > 0 {
		out := make([][]int, len(cfg.LLLSetup.ClassSplits))
		for i, s := range cfg.LLLSetup.ClassSplits {
			out[i] = append([]int(nil), s...)
		}
		return out
	}
	k := cfg.LLLSetup.NumClasses
	classes := make([]int, k)
	for i := range classes {
		classes[i] = i
	}
	if cfg.LLLSetup.Shuffle {
		rng.Shuffle(k, func(i, j int) { classes[i], classes[j] = classes[j], classes[i] })
	}
	n := cfg.LLLSetup.NumTasks
	out := make([][]int, n)
	start := 0
	for i := 0; i < n; i++ {
		size := k / n
		if i < k%n {
			size++
		}
		out[i] = classes[start : start+size]
		start += size
	}
	return out
}

// newTrainer constructs the trainer of task i; trainer i-1 must exist.
func (l *LLLTrainer) newTrainer(i int) (Trainer, error) {
	if i != len(l.Trainers) {
		return nil, errors.Errorf("trainer %d constructed out of order (have %d)", i, len(l.Trainers))
	}
	switch l.cfg.Trainer {
	case "agem":
		var prev *AgemTaskTrainer
		if i > 0 {
			prev, _ = l.Trainers[i-1].(*AgemTaskTrainer)
		}
		return NewAgemTaskTrainer(l.env, i, l.ClassSplits[i], prev)
	default:
		base, err := newTaskTrainer(l.env, i, l.ClassSplits[i])
		if err != nil {
			return nil, err
		}
		return &BasicTaskTrainer{TaskTrainer: base}, nil
	}
}

// Start trains tasks start_task..N-1 and evaluates every seen task after
// each one.
func (l *LLLTrainer) Start() error {
	for i := range l.ClassSplits {
		tr, err := l.newTrainer(i)
		if err != nil {
			return err
		}
		l.Trainers = append(l.Trainers, tr)
		base := tr.Base()

		if i < l.cfg.StartTask {
			l.logger.Info("skipping task before start_task", zap.Int("task", i))
			continue
		}
		if !tr.IsTrainable() {
			l.logger.Warn("task is not trainable", zap.Int("task", i), zap.Int("train_samples", base.TrainDS.Len()))
			continue
		}
		l.logger.Info("training task",
			zap.Int("task", i),
			zap.Ints("classes", base.Classes),
			zap.Int("train_samples", base.TrainDS.Len()))
		if err := Train(tr); err != nil {
			return err
		}
		l.trained = append(l.trained, i)

		if err := l.evaluateSeen(i); err != nil {
			return err
		}
		if len(l.trained) == 1 {
			if l.firstProbs, err = l.probabilities(base); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *LLLTrainer) evaluateSeen(after int) error {
	for _, j := range l.trained {
		t := l.Trainers[j].Base()
		a, err := t.Evaluate(t.TestDS)
		if err != nil {
			return errors.Wrapf(err, "evaluate task %d", j)
		}
		l.acc[after][j] = a
		l.env.Metrics.SetAccuracy(after, j, a)
		l.logger.Info("accuracy", zap.Int("after_task", after), zap.Int("task", j), zap.Float64("acc", a))
	}
	return nil
}

func (l *LLLTrainer) probabilities(t *TaskTrainer) ([]float32, error) {
	var out []float32
	bs := l.cfg.HP.BatchSize
	for start := 0; start < t.TestDS.Len(); start += bs {
		end := start + bs
		if end > t.TestDS.Len() {
			end = t.TestDS.Len()
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		b, err := t.taskBatch(t.TestDS, idx)
		if err != nil {
			return nil, err
		}
		logits, _, err := models.Predict(t.Model, b.X)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Softmax(logits, l.cfg.LLLSetup.NumClasses)...)
	}
	return out, nil
}

// Summary computes average accuracy and forgetting over trained tasks.
func (l *LLLTrainer) Summary() (Summary, error) {
	s := Summary{ClassSplits: l.ClassSplits, Acc: l.acc, TrainedTasks: l.trained}
	if len(l.trained) == 0 {
		return s, nil
	}
	last := l.trained[len(l.trained)-1]
	s.AverageAccuracy, s.Forgetting = AccuracyAndForgetting(l.acc, l.trained)
	if len(l.trained) > 1 {
		final, err := l.probabilities(l.Trainers[l.trained[0]].Base())
		if err != nil {
			return s, err
		}
		s.FirstTaskDrift = MaxAbsDiff(l.firstProbs, final)
	}
	l.env.Metrics.SetSummary(s.AverageAccuracy, s.Forgetting)
	l.logger.Info("run finished",
		zap.Int("last_task", last),
		zap.Float64("average_accuracy", s.AverageAccuracy),
		zap.Float64("forgetting", s.Forgetting),
		zap.Float32("first_task_drift", s.FirstTaskDrift))
	return s, nil
}

// AccuracyAndForgetting averages the final row of acc over trained tasks,
// and the drop from each earlier task's best accuracy to its final one.
func AccuracyAndForgetting(acc [][]float64, trained []int) (float64, float64) {
	if len(trained) == 0 {
		return 0, 0
	}
	last := trained[len(trained)-1]
	var avg float64
	for _, j := range trained {
		avg += acc[last][j]
	}
	avg /= float64(len(trained))

	if len(trained) == 1 {
		return avg, 0
	}
	var forgetting float64
	for _, j := range trained[:len(trained)-1] {
		best := math.Inf(-1)
		for _, i := range trained[:len(trained)-1] {
			if !math.IsNaN(acc[i][j]) && acc[i][j] > best {
				best = acc[i][j]
			}
		}
		forgetting += best - acc[last][j]
	}
	return avg, forgetting / float64(len(trained)-1)
}

// MaxAbsDiff is the largest elementwise difference; NaN on length mismatch.
func MaxAbsDiff(a, b []float32) float32 {
	if len(a) != len(b) {
		return float32(math.NaN())
	}
	max := float32(0)
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}
