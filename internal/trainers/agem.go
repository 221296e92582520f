package trainers

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lifelong/internal/dataloaders"
	"lifelong/internal/models"
)

// AgemTaskTrainer constrains every step so the loss on a sample of the
// episodic memory does not increase to first order.
type AgemTaskTrainer struct {
	*TaskTrainer

	prev   *AgemTaskTrainer
	Memory *EpisodicMemory
}

// NewAgemTaskTrainer shares the memory of prev. The first task of a chain
// (prev == nil) starts with an empty memory.
func NewAgemTaskTrainer(env Env, taskIdx int, classes []int, prev *AgemTaskTrainer) (*AgemTaskTrainer, error) {
	base, err := newTaskTrainer(env, taskIdx, classes)
	if err != nil {
		return nil, err
	}
	t := &AgemTaskTrainer{TaskTrainer: base, prev: prev}
	switch {
	case taskIdx == 0 || prev == nil:
		t.Memory = &EpisodicMemory{}
	default:
		t.Memory = prev.Memory
	}
	return t, nil
}

// Prev is the trainer of the preceding task, or nil.
func (t *AgemTaskTrainer) Prev() *AgemTaskTrainer { return t.prev }

// IsTrainable requires training data and either being task 0 or having a
// predecessor.
func (t *AgemTaskTrainer) IsTrainable() bool {
	if !t.TaskTrainer.IsTrainable() {
		return false
	}
	return t.TaskIdx == 0 || t.prev != nil
}

// usesMemory reports whether steps of this task are projected.
func (t *AgemTaskTrainer) usesMemory() bool {
	return t.TaskIdx-t.cfg.StartTask > 0
}

func (t *AgemTaskTrainer) TrainOnBatch(b models.Batch) (float32, error) {
	if !t.usesMemory() {
		t.Optim.ZeroGrad()
		loss, err := t.ComputeLoss(b)
		if err != nil {
			return 0, err
		}
		return loss, t.Optim.Step()
	}

	if t.Memory.Len() == 0 {
		return 0, errors.Wrapf(ErrEmptyMemory, "task %d", t.TaskIdx)
	}
	ref, err := t.ComputeRefGrad()
	if err != nil {
		return 0, err
	}
	loss, err := t.ComputeLoss(b)
	if err != nil {
		return 0, err
	}
	grad := t.Model.Params().FlatGrad()
	if len(grad) != len(ref) {
		return 0, errors.Wrapf(models.ErrGradSizeMismatch, "task grad %d vs reference grad %d", len(grad), len(ref))
	}
	projected := ProjectGrad(grad, ref)
	if gradDot(grad, ref) < 0 {
		t.metrics.ObserveProjection(t.TaskIdx)
	}

	t.Optim.ZeroGrad()
	if err := t.SetGrad(projected); err != nil {
		return 0, err
	}
	return loss, t.Optim.Step()
}

// ComputeRefGrad returns the flat gradient of the masked loss on a random
// memory batch and leaves the gradient buffers zeroed.
func (t *AgemTaskTrainer) ComputeRefGrad() ([]float32, error) {
	samples, masks := t.Memory.Sample(t.cfg.HP.MemBatchSize, t.rng)
	b, err := MakeBatch(samples, masks)
	if err != nil {
		return nil, errors.Wrap(err, "memory batch")
	}
	params := t.Model.Params()
	params.ZeroGrad()
	if _, err := models.Backward(t.Model, b); err != nil {
		return nil, errors.Wrap(err, "reference grad")
	}
	ref := params.FlatGrad()
	params.ZeroGrad()
	return ref, nil
}

// SetGrad writes a flat gradient into the trainable parameters.
func (t *AgemTaskTrainer) SetGrad(grad []float32) error {
	return t.Model.Params().SetFlatGrad(grad)
}

func (t *AgemTaskTrainer) OnTaskEnd() error {
	return t.UpdateEpisodicMemory()
}

// UpdateEpisodicMemory stores up to num_mem_samples_per_class samples of
// every label of this task, each tagged with the task output mask.
func (t *AgemTaskTrainer) UpdateEpisodicMemory() error {
	perClass := t.cfg.HP.NumMemSamplesPerClass
	groups := make(map[int][]int)
	for i, s := range t.TrainDS.Samples {
		groups[s.Label] = append(groups[s.Label], i)
	}
	labels := t.TrainDS.UniqueLabels()

	var added []dataloaders.Sample
	for _, y := range labels {
		g := groups[y]
		n := perClass
		if len(g) < n {
			n = len(g)
		}
		for _, k := range t.rng.Perm(len(g))[:n] {
			s, err := t.TrainDS.Get(g[k])
			if err != nil {
				return errors.Wrap(err, "episodic memory")
			}
			added = append(added, s)
		}
	}
	if bound := perClass * len(labels); len(added) > bound {
		return errors.Wrapf(ErrMemoryOverflow, "task %d added %d > %d", t.TaskIdx, len(added), bound)
	}

	masks := make([][]bool, len(added))
	for i := range masks {
		masks[i] = t.mask
	}
	t.Memory.Append(added, masks)
	t.metrics.SetMemorySize(t.Memory.Len())
	t.logger.Info("episodic memory updated",
		zap.Int("added", len(added)),
		zap.Int("size", t.Memory.Len()))
	return nil
}
