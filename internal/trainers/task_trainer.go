// Package trainers runs a sequence of class-incremental tasks over one
// shared classifier.
package trainers

import (
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lifelong/internal/config"
	"lifelong/internal/dataloaders"
	"lifelong/internal/metrics"
	"lifelong/internal/models"
)

var (
	ErrEmptyMemory    = errors.New("episodic memory is empty")
	ErrMemoryOverflow = errors.New("episodic memory update exceeds the per-class bound")
	ErrUnknownTrainer = errors.New("unknown trainer")
)

// Trainer is the per-task contract the coordinator drives.
type Trainer interface {
	Base() *TaskTrainer
	IsTrainable() bool
	TrainOnBatch(b models.Batch) (float32, error)
	// OnTaskEnd runs once after the last epoch of the task.
	OnTaskEnd() error
}

// TaskTrainer holds what every trainer needs for one task: its classes,
// its slices of the data and an optimizer over the shared model.
type TaskTrainer struct {
	TaskIdx int
	Classes []int
	TrainDS *dataloaders.Dataset
	TestDS  *dataloaders.Dataset

	Model models.Classifier
	Optim *models.Optimizer

	cfg     *config.Config
	mask    []bool
	rng     *rand.Rand
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// Env carries what the coordinator shares with every task trainer.
type Env struct {
	Config  *config.Config
	Model   models.Classifier
	Train   *dataloaders.Dataset
	Test    *dataloaders.Dataset
	Rng     *rand.Rand
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

func newTaskTrainer(env Env, taskIdx int, classes []int) (*TaskTrainer, error) {
	optim, err := models.NewOptimizer(env.Config.HP.Optimizer, env.Model.Params(), env.Config.HP.LR, env.Config.HP.L2)
	if err != nil {
		return nil, err
	}
	return &TaskTrainer{
		TaskIdx: taskIdx,
		Classes: classes,
		TrainDS: env.Train.FilterLabels(classes),
		TestDS:  env.Test.FilterLabels(classes),
		Model:   env.Model,
		Optim:   optim,
		cfg:     env.Config,
		mask:    models.ConstructOutputMask(classes, env.Config.LLLSetup.NumClasses),
		rng:     env.Rng,
		logger:  env.Logger.With(zap.Int("task", taskIdx)),
		metrics: env.Metrics,
	}, nil
}

func (t *TaskTrainer) Base() *TaskTrainer { return t }

// IsTrainable reports whether the task has any training data.
func (t *TaskTrainer) IsTrainable() bool { return t.TrainDS.Len() > 0 }

// OutputMask marks the classes of this task.
func (t *TaskTrainer) OutputMask() []bool { return t.mask }

// MakeBatch stacks samples into a model batch. masks may be nil.
func MakeBatch(samples []dataloaders.Sample, masks [][]bool) (models.Batch, error) {
	if len(samples) == 0 {
		return models.Batch{}, errors.New("empty batch")
	}
	xs := make([][]float32, len(samples))
	ys := make([]int, len(samples))
	for i, s := range samples {
		xs[i] = s.X
		ys[i] = s.Label
	}
	x, err := models.StackBatch(xs, samples[0].Shape)
	if err != nil {
		return models.Batch{}, err
	}
	return models.Batch{X: x, Y: ys, Mask: masks}, nil
}

// taskBatch decodes ds[idx] and masks it to this task when pruning is on.
func (t *TaskTrainer) taskBatch(ds *dataloaders.Dataset, idx []int) (models.Batch, error) {
	samples := make([]dataloaders.Sample, len(idx))
	for i, j := range idx {
		s, err := ds.Get(j)
		if err != nil {
			return models.Batch{}, err
		}
		samples[i] = s
	}
	var masks [][]bool
	if t.cfg.HP.PruneLogits {
		masks = make([][]bool, len(samples))
		for i := range masks {
			masks[i] = t.mask
		}
	}
	return MakeBatch(samples, masks)
}

// ComputeLoss accumulates the loss gradient of b into the gradient buffers.
func (t *TaskTrainer) ComputeLoss(b models.Batch) (float32, error) {
	return models.Backward(t.Model, b)
}

// Train runs the epoch loop of tr, shuffling the task data every epoch.
func Train(tr Trainer) error {
	t := tr.Base()
	n := t.TrainDS.Len()
	bs := t.cfg.HP.BatchSize
	for epoch := 0; epoch < t.cfg.HP.NumEpochs; epoch++ {
		order := t.rng.Perm(n)
		var sum float64
		var steps int
		for start := 0; start < n; start += bs {
			end := start + bs
			if end > n {
				end = n
			}
			b, err := t.taskBatch(t.TrainDS, order[start:end])
			if err != nil {
				return errors.Wrapf(err, "task %d batch", t.TaskIdx)
			}
			loss, err := tr.TrainOnBatch(b)
			if err != nil {
				return errors.Wrapf(err, "task %d epoch %d", t.TaskIdx, epoch)
			}
			t.metrics.ObserveBatch(t.TaskIdx, loss)
			sum += float64(loss)
			steps++
		}
		if steps > 0 {
			t.logger.Info("epoch done",
				zap.Int("epoch", epoch),
				zap.Int("steps", steps),
				zap.Float64("mean_loss", sum/float64(steps)))
		}
	}
	return tr.OnTaskEnd()
}

// Evaluate returns the accuracy of the model on ds. With logit pruning on,
// predictions are restricted to this task's classes.
func (t *TaskTrainer) Evaluate(ds *dataloaders.Dataset) (float64, error) {
	if ds.Len() == 0 {
		return 0, nil
	}
	numClasses := t.cfg.LLLSetup.NumClasses
	bs := t.cfg.HP.BatchSize
	correct := 0
	for start := 0; start < ds.Len(); start += bs {
		end := start + bs
		if end > ds.Len() {
			end = ds.Len()
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		b, err := t.taskBatch(ds, idx)
		if err != nil {
			return 0, err
		}
		logits, shape, err := models.Predict(t.Model, b.X)
		if err != nil {
			return 0, err
		}
		if shape[len(shape)-1] != numClasses {
			return 0, errors.Wrapf(models.ErrDimMismatch, "model has %d outputs, want %d", shape[len(shape)-1], numClasses)
		}
		if t.cfg.HP.PruneLogits {
			logits = models.MaskLogits(logits, numClasses, t.mask)
		}
		for i, p := range models.Argmax(logits, numClasses) {
			if p == b.Y[i] {
				correct++
			}
		}
	}
	return float64(correct) / float64(ds.Len()), nil
}

// BasicTaskTrainer fine-tunes on each task with no protection of old tasks.
type BasicTaskTrainer struct {
	*TaskTrainer
}

func (t *BasicTaskTrainer) TrainOnBatch(b models.Batch) (float32, error) {
	t.Optim.ZeroGrad()
	loss, err := t.ComputeLoss(b)
	if err != nil {
		return 0, err
	}
	return loss, t.Optim.Step()
}

func (t *BasicTaskTrainer) OnTaskEnd() error { return nil }
