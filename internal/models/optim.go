package models

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// Optimizer applies a gorgonia solver to the trainable parameters using
// whatever sits in their gradient buffers.
type Optimizer struct {
	solver gorgonia.Solver
	params *ParamSet
}

// NewOptimizer builds adam, sgd, momentum or rmsprop.
func NewOptimizer(kind string, params *ParamSet, lr, l2 float64) (*Optimizer, error) {
	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(lr)}
	if l2 > 0 {
		opts = append(opts, gorgonia.WithL2Reg(l2))
	}
	var solver gorgonia.Solver
	switch kind {
	case "adam":
		solver = gorgonia.NewAdamSolver(opts...)
	case "sgd":
		solver = gorgonia.NewVanillaSolver(opts...)
	case "momentum":
		solver = gorgonia.NewMomentum(opts...)
	case "rmsprop":
		solver = gorgonia.NewRMSPropSolver(opts...)
	default:
		return nil, errors.Errorf("unknown optimizer %q", kind)
	}
	return &Optimizer{solver: solver, params: params}, nil
}

// ZeroGrad clears every gradient buffer.
func (o *Optimizer) ZeroGrad() { o.params.ZeroGrad() }

// Step updates the parameters in place.
func (o *Optimizer) Step() error {
	return o.solver.Step(o.params.ValueGrads())
}
