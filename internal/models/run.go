package models

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Batch is a stacked input with its labels. Mask, when set, holds one
// row of valid classes per sample.
type Batch struct {
	X    *tensor.Dense
	Y    []int
	Mask [][]bool
}

// Backward runs a training-mode forward pass and accumulates the loss
// gradient into the parameter gradient buffers. Buffers are not cleared;
// callers zero them the way an optimizer loop does.
func Backward(m Classifier, b Batch) (float32, error) {
	s := NewScope(true)
	x := s.Input(b.X, "x")
	logits, err := m.Forward(s, x)
	if err != nil {
		return 0, err
	}
	if b.Mask != nil {
		if logits, err = PruneLogits(s, logits, b.Mask); err != nil {
			return 0, err
		}
	}
	loss, err := CrossEntropy(s, logits, b.Y)
	if err != nil {
		return 0, err
	}
	learnables := s.Learnables()
	if len(learnables) == 0 {
		return 0, errors.New("no trainable parameters reached by the forward pass")
	}
	if _, err := gorgonia.Grad(loss, learnables...); err != nil {
		return 0, errors.Wrap(err, "symbolic grad")
	}

	var lossVal gorgonia.Value
	gorgonia.Read(loss, &lossVal)

	machine := gorgonia.NewTapeMachine(s.G, gorgonia.BindDualValues(learnables...))
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return 0, errors.Wrap(err, "run graph")
	}

	for i, n := range learnables {
		g, err := n.Grad()
		if err != nil {
			return 0, errors.Wrapf(err, "grad of %s", s.params[i].Name)
		}
		src, ok := g.Data().([]float32)
		if !ok {
			return 0, errors.Errorf("grad of %s is %T, want []float32", s.params[i].Name, g.Data())
		}
		dst := s.params[i].GradData()
		if len(src) != len(dst) {
			return 0, errors.Wrapf(ErrGradSizeMismatch, "%s: %d vs %d", s.params[i].Name, len(src), len(dst))
		}
		for j := range dst {
			dst[j] += src[j]
		}
	}
	s.flush()

	if lossVal == nil {
		return 0, errors.New("loss was not computed")
	}
	return lossVal.Data().(float32), nil
}

// Predict runs m in eval mode without building a gradient graph and
// returns the flat output with its shape.
func Predict(m Module, x *tensor.Dense) ([]float32, tensor.Shape, error) {
	s := NewScope(false)
	out, err := m.Forward(s, s.Input(x, "x"))
	if err != nil {
		return nil, nil, err
	}
	var outVal gorgonia.Value
	gorgonia.Read(out, &outVal)

	machine := gorgonia.NewTapeMachine(s.G)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return nil, nil, errors.Wrap(err, "run graph")
	}
	if outVal == nil {
		return nil, nil, errors.New("output was not computed")
	}
	data := outVal.Data().([]float32)
	cp := make([]float32, len(data))
	copy(cp, data)
	return cp, outVal.Shape().Clone(), nil
}

// StackBatch packs equally shaped samples into one (N, shape...) tensor.
func StackBatch(xs [][]float32, shape []int) (*tensor.Dense, error) {
	size := tensor.Shape(shape).TotalSize()
	data := make([]float32, 0, len(xs)*size)
	for i, x := range xs {
		if len(x) != size {
			return nil, errors.Wrapf(ErrDimMismatch, "sample %d has %d values, want %d", i, len(x), size)
		}
		data = append(data, x...)
	}
	full := append([]int{len(xs)}, shape...)
	return tensor.New(tensor.WithShape(full...), tensor.WithBacking(data)), nil
}
