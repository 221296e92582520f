package models

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Module is anything with a forward pass over a bound graph.
type Module interface {
	Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error)
}

// Classifier is a module that owns its parameters.
type Classifier interface {
	Module
	Params() *ParamSet
}

// Scope binds parameters into a single expression graph.
// Gorgonia graphs are static, so every batch gets a fresh scope and the
// parameter tensors are shared into it by reference.
type Scope struct {
	G        *gorgonia.ExprGraph
	Training bool

	nodes      map[*Param]*gorgonia.Node
	learnables []*gorgonia.Node
	params     []*Param
	reads      []*scopeRead
	seq        int
}

type scopeRead struct {
	v     gorgonia.Value
	apply func(gorgonia.Value)
}

func NewScope(training bool) *Scope {
	return &Scope{
		G:        gorgonia.NewGraph(),
		Training: training,
		nodes:    make(map[*Param]*gorgonia.Node),
	}
}

func (s *Scope) uniq(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%d", prefix, s.seq)
}

// Node returns the graph node of p, creating it on first use.
// Trainable parameters become gradient targets; frozen ones do not.
func (s *Scope) Node(p *Param) *gorgonia.Node {
	if n, ok := s.nodes[p]; ok {
		return n
	}
	shape := p.Shape()
	n := gorgonia.NewTensor(s.G, tensor.Float32, shape.Dims(),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Tensor()))
	s.nodes[p] = n
	if p.Trainable && s.Training {
		s.learnables = append(s.learnables, n)
		s.params = append(s.params, p)
	}
	return n
}

// Input places a data tensor in the graph.
func (s *Scope) Input(t tensor.Tensor, name string) *gorgonia.Node {
	return gorgonia.NodeFromAny(s.G, t, gorgonia.WithName(s.uniq(name)))
}

// Const places a float32 tensor with the given shape in the graph.
func (s *Scope) Const(shape []int, data []float32, name string) *gorgonia.Node {
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	return s.Input(t, name)
}

// Scalar places a float32 scalar in the graph.
func (s *Scope) Scalar(v float32, name string) *gorgonia.Node {
	return gorgonia.NodeFromAny(s.G, v, gorgonia.WithName(s.uniq(name)))
}

// AfterRun reads n once the machine has run and hands the value to fn.
func (s *Scope) AfterRun(n *gorgonia.Node, fn func(gorgonia.Value)) {
	r := &scopeRead{apply: fn}
	s.reads = append(s.reads, r)
	gorgonia.Read(n, &r.v)
}

// Learnables returns the trainable parameter nodes used so far.
func (s *Scope) Learnables() []*gorgonia.Node { return s.learnables }

func (s *Scope) flush() {
	for _, r := range s.reads {
		if r.v != nil {
			r.apply(r.v)
		}
	}
	s.reads = nil
}
