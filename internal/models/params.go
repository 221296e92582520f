package models

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrGradSizeMismatch means a flat gradient did not cover the trainable
// parameters exactly.
var ErrGradSizeMismatch = errors.New("gradient vector does not match trainable parameters")

// Param is a named learnable tensor with its gradient buffer.
// It satisfies gorgonia.ValueGrad, so solvers update it in place.
type Param struct {
	Name      string
	Trainable bool

	value *tensor.Dense
	grad  *tensor.Dense
}

func newParam(name string, shape []int, backing []float32) *Param {
	if backing == nil {
		backing = make([]float32, tensor.Shape(shape).TotalSize())
	}
	return &Param{
		Name:      name,
		Trainable: true,
		value:     tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
		grad:      tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32)),
	}
}

// Value returns the parameter tensor.
func (p *Param) Value() gorgonia.Value { return p.value }

// Grad returns the accumulated gradient.
func (p *Param) Grad() (gorgonia.Value, error) { return p.grad, nil }

func (p *Param) Tensor() *tensor.Dense { return p.value }
func (p *Param) Shape() tensor.Shape   { return p.value.Shape() }
func (p *Param) Size() int             { return p.value.Shape().TotalSize() }
func (p *Param) Data() []float32       { return p.value.Data().([]float32) }
func (p *Param) GradData() []float32   { return p.grad.Data().([]float32) }

// ParamSet keeps parameters in registration order. That order is the
// flattening order for gradients.
type ParamSet struct {
	params []*Param
	byName map[string]*Param
}

func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

// Add registers a parameter; re-registering a name panics since it
// would silently alias two layers.
func (ps *ParamSet) Add(name string, shape []int, backing []float32) *Param {
	if _, ok := ps.byName[name]; ok {
		panic("models: duplicate parameter " + name)
	}
	p := newParam(name, shape, backing)
	ps.params = append(ps.params, p)
	ps.byName[name] = p
	return p
}

func (ps *ParamSet) Get(name string) (*Param, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// All returns every parameter including frozen ones.
func (ps *ParamSet) All() []*Param { return ps.params }

// Trainable returns the trainable parameters in flattening order.
func (ps *ParamSet) Trainable() []*Param {
	out := make([]*Param, 0, len(ps.params))
	for _, p := range ps.params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// NumTrainable is the length of a flat gradient.
func (ps *ParamSet) NumTrainable() int {
	n := 0
	for _, p := range ps.Trainable() {
		n += p.Size()
	}
	return n
}

// Freeze marks every parameter whose name has the given prefix as frozen.
func (ps *ParamSet) Freeze(prefix string) int {
	n := 0
	for _, p := range ps.params {
		if len(p.Name) >= len(prefix) && p.Name[:len(prefix)] == prefix {
			p.Trainable = false
			n++
		}
	}
	return n
}

// ZeroGrad clears every gradient buffer.
func (ps *ParamSet) ZeroGrad() {
	for _, p := range ps.params {
		g := p.GradData()
		for i := range g {
			g[i] = 0
		}
	}
}

// FlatGrad concatenates the trainable gradients into a fresh vector.
func (ps *ParamSet) FlatGrad() []float32 {
	out := make([]float32, 0, ps.NumTrainable())
	for _, p := range ps.Trainable() {
		out = append(out, p.GradData()...)
	}
	return out
}

// SetFlatGrad writes grad back into the trainable gradients in the same
// order FlatGrad reads them. grad must be consumed exactly.
func (ps *ParamSet) SetFlatGrad(grad []float32) error {
	rest := grad
	for _, p := range ps.Trainable() {
		n := p.Size()
		if len(rest) < n {
			return errors.Wrapf(ErrGradSizeMismatch, "%d values short at %s", n-len(rest), p.Name)
		}
		copy(p.GradData(), rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return errors.Wrapf(ErrGradSizeMismatch, "not all weights were used: %d left over", len(rest))
	}
	return nil
}

// ValueGrads adapts the trainable parameters for gorgonia solvers.
func (ps *ParamSet) ValueGrads() []gorgonia.ValueGrad {
	tr := ps.Trainable()
	out := make([]gorgonia.ValueGrad, len(tr))
	for i, p := range tr {
		out[i] = p
	}
	return out
}

func randn(n int, mean, std float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rand.NormFloat64()*std + mean)
	}
	return out
}

func uniform(n int, bound float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((rand.Float64()*2 - 1) * bound)
	}
	return out
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// kaimingUniform mirrors the default torch init for linear and conv weights.
func kaimingUniform(n, fanIn int) []float32 {
	return uniform(n, 1/math.Sqrt(float64(fanIn)))
}
