package models

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	ErrDimMismatch         = errors.New("dimension mismatch")
	ErrUnknownActivation   = errors.New("unknown activation type")
	ErrUnknownFusingType   = errors.New("unknown fusing type")
	ErrUnknownInitStrategy = errors.New("unknown init strategy")
)

// Linear computes x*W + b with W shaped (in, out).
type Linear struct {
	In, Out int
	W       *Param
	B       *Param // nil when built without bias
}

func NewLinear(ps *ParamSet, name string, in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out}
	l.W = ps.Add(name+".weight", []int{in, out}, kaimingUniform(in*out, in))
	if bias {
		l.B = ps.Add(name+".bias", []int{1, out}, kaimingUniform(out, in))
	}
	return l
}

func (l *Linear) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 2 || x.Shape()[1] != l.In {
		return nil, errors.Wrapf(ErrDimMismatch, "linear %s expects (N, %d), got %v", l.W.Name, l.In, x.Shape())
	}
	out, err := gorgonia.Mul(x, s.Node(l.W))
	if err != nil {
		return nil, err
	}
	if l.B == nil {
		return out, nil
	}
	return gorgonia.BroadcastAdd(out, s.Node(l.B), nil, []byte{0})
}

// IdentityInit turns a square linear layer into a near-identity map.
func IdentityInit(l *Linear) error {
	if l.In != l.Out {
		return errors.Wrapf(ErrDimMismatch, "cannot use identity init for non-square transforms: %d, %d", l.In, l.Out)
	}
	w := l.W.Data()
	for i := range w {
		w[i] *= 0.001
	}
	for i := 0; i < l.In; i++ {
		w[i*l.Out+i] += 1
	}
	return nil
}

// EqualLRLinear keeps weights at unit scale and applies the init std at
// runtime, so every weight sees the same effective learning rate.
type EqualLRLinear struct {
	In, Out int
	std     float64
	W, B    *Param
}

func NewEqualLRLinear(ps *ParamSet, name string, in, out int, initStrategy string) (*EqualLRLinear, error) {
	std, err := equalLRStd(initStrategy, in, out)
	if err != nil {
		return nil, err
	}
	return &EqualLRLinear{
		In:  in,
		Out: out,
		std: std,
		W:   ps.Add(name+".weight", []int{out, in}, randn(in*out, 0, 1)),
		B:   ps.Add(name+".bias", []int{1, out}, nil),
	}, nil
}

func equalLRStd(strategy string, in, out int) (float64, error) {
	switch strategy {
	case "kaiming_fan_in":
		return math.Sqrt(2 / float64(in)), nil
	case "kaiming_fan_out":
		return math.Sqrt(2 / float64(out)), nil
	case "xavier":
		return math.Sqrt(1 / float64(in+out)), nil
	case "attrs":
		return math.Sqrt(2 / (float64(in*out) * (1 - 1/math.Pi))), nil
	default:
		return 0, errors.Wrapf(ErrUnknownInitStrategy, "%q", strategy)
	}
}

func (l *EqualLRLinear) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 2 || x.Shape()[1] != l.In {
		return nil, errors.Wrapf(ErrDimMismatch, "equal-lr linear expects (N, %d), got %v", l.In, x.Shape())
	}
	w, err := gorgonia.HadamardProd(s.Node(l.W), s.Scalar(float32(l.std), "eqlr_std"))
	if err != nil {
		return nil, err
	}
	wt, err := gorgonia.Transpose(w)
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.Mul(x, wt)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, s.Node(l.B), nil, []byte{0})
}

// Embedding maps class indices to learned vectors.
type Embedding struct {
	Num, Dim int
	W        *Param
}

func NewEmbedding(ps *ParamSet, name string, num, dim int) *Embedding {
	return &Embedding{Num: num, Dim: dim, W: ps.Add(name+".weight", []int{num, dim}, randn(num*dim, 0, 1))}
}

// Lookup gathers rows of the table as onehot(labels) * W.
func (e *Embedding) Lookup(s *Scope, labels []int) (*gorgonia.Node, error) {
	onehot, err := oneHot(labels, e.Num)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mul(s.Const([]int{len(labels), e.Num}, onehot, "emb_onehot"), s.Node(e.W))
}

func oneHot(labels []int, n int) ([]float32, error) {
	out := make([]float32, len(labels)*n)
	for i, y := range labels {
		if y < 0 || y >= n {
			return nil, errors.Errorf("index %d out of range [0, %d)", y, n)
		}
		out[i*n+y] = 1
	}
	return out, nil
}

type activation struct{ kind string }

// CreateActivation returns one of none, relu, leaky_relu, tanh.
func CreateActivation(kind string) (Module, error) {
	switch kind {
	case "none", "relu", "leaky_relu", "tanh":
		return activation{kind: kind}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownActivation, "%q", kind)
	}
}

func (a activation) Forward(_ *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	switch a.kind {
	case "relu":
		return gorgonia.Rectify(x)
	case "leaky_relu":
		return gorgonia.LeakyRelu(x, 0.2)
	case "tanh":
		return gorgonia.Tanh(x)
	default:
		return x, nil
	}
}

// Sequential chains modules.
type Sequential []Module

func (seq Sequential) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	for _, m := range seq {
		if x, err = m.Forward(s, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// CreateSequentialModel builds Linear+activation pairs over sizes; the
// first entry is the input size. The last activation is dropped unless
// finalActivation is set.
func CreateSequentialModel(ps *ParamSet, name string, sizes []int, finalActivation bool, act string, bias bool) (Sequential, error) {
	if len(sizes) == 0 {
		return nil, errors.New("we need at least an input size")
	}
	var seq Sequential
	in := sizes[0]
	for i, out := range sizes[1:] {
		a, err := CreateActivation(act)
		if err != nil {
			return nil, err
		}
		seq = append(seq, NewLinear(ps, name+"."+strconv.Itoa(2*i), in, out, bias), a)
		in = out
	}
	if len(seq) > 0 && !finalActivation {
		seq = seq[:len(seq)-1]
	}
	return seq, nil
}

// Identity passes input through. It owns a dummy parameter so that models
// built around it still have something to optimize.
type Identity struct{ Dummy *Param }

func NewIdentity(ps *ParamSet, name string) *Identity {
	return &Identity{Dummy: ps.Add(name+".dummy_param", []int{1}, nil)}
}

func (Identity) Forward(_ *Scope, x *gorgonia.Node) (*gorgonia.Node, error) { return x, nil }

// Flatten keeps the batch axis and merges the rest.
type Flatten struct{}

func (Flatten) Forward(_ *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape()
	return gorgonia.Reshape(x, tensor.Shape{shape[0], shape.TotalSize() / shape[0]})
}

// Reshape views the input with a fixed shape; a -1 entry is inferred.
type Reshape struct{ Target []int }

func (r Reshape) Forward(_ *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	total := x.Shape().TotalSize()
	shape := make(tensor.Shape, len(r.Target))
	known, free := 1, -1
	for i, d := range r.Target {
		if d == -1 {
			free = i
			continue
		}
		shape[i] = d
		known *= d
	}
	if free >= 0 {
		shape[free] = total / known
	}
	if shape.TotalSize() != total {
		return nil, errors.Wrapf(ErrDimMismatch, "cannot view %v as %v", x.Shape(), r.Target)
	}
	return gorgonia.Reshape(x, shape)
}

// RepeatToSize turns (N, C) into (N, C, size, size).
type RepeatToSize struct{ Size int }

func (r RepeatToSize) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 2 {
		return nil, errors.Wrapf(ErrDimMismatch, "repeat expects 2D input, got %v", x.Shape())
	}
	n, c := x.Shape()[0], x.Shape()[1]
	x4, err := gorgonia.Reshape(x, tensor.Shape{n, c, 1, 1})
	if err != nil {
		return nil, err
	}
	ones := s.Const([]int{1, 1, r.Size, r.Size}, filled(r.Size*r.Size, 1), "repeat_ones")
	return gorgonia.BroadcastHadamardProd(x4, ones, []byte{2, 3}, []byte{0, 1})
}

// GaussianDropout adds N(0, sigma^2) noise while training.
type GaussianDropout struct{ Sigma float64 }

func (d GaussianDropout) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if !s.Training || d.Sigma == 0 {
		return x, nil
	}
	shape := x.Shape()
	noise := s.Const(shape.Clone(), randn(shape.TotalSize(), 0, d.Sigma), "gauss_noise")
	return gorgonia.Add(x, noise)
}

// Fusion combines an input with a context vector.
type Fusion interface {
	Fuse(s *Scope, x, z *gorgonia.Node) (*gorgonia.Node, error)
}

func checkFusionInputs(x, z *gorgonia.Node, xDim, zDim int) error {
	if x.Dims() != 2 || z.Dims() != 2 {
		return errors.Wrapf(ErrDimMismatch, "fusion expects 2D inputs, got %v and %v", x.Shape(), z.Shape())
	}
	if x.Shape()[0] != z.Shape()[0] {
		return errors.Wrapf(ErrDimMismatch, "batch sizes differ: %d vs %d", x.Shape()[0], z.Shape()[0])
	}
	if x.Shape()[1] != xDim {
		return errors.Wrapf(ErrDimMismatch, "input has %d features, layer expects %d", x.Shape()[1], xDim)
	}
	if z.Shape()[1] != zDim {
		return errors.Wrapf(ErrDimMismatch, "context has %d features, layer expects %d", z.Shape()[1], zDim)
	}
	return nil
}

// MILayer is a multiplicative interaction: f(x, z) = z'Wx + z'U + Vx + b.
// The z'U + Vx + b part is the concatenation term and is optional.
// See https://openreview.net/forum?id=rylnK6VtDH
type MILayer struct {
	XDim, ZDim, OutDim int
	mi                 *Linear
	dense              *Linear
}

func NewMILayer(ps *ParamSet, name string, xDim, zDim, outDim int, combineWithConcat bool) *MILayer {
	l := &MILayer{XDim: xDim, ZDim: zDim, OutDim: outDim}
	l.mi = NewLinear(ps, name+".mi_layer", zDim, outDim*xDim, true)
	if combineWithConcat {
		l.dense = NewLinear(ps, name+".dense", xDim+zDim, outDim, true)
	}
	return l
}

func (l *MILayer) Fuse(s *Scope, x, z *gorgonia.Node) (*gorgonia.Node, error) {
	if err := checkFusionInputs(x, z, l.XDim, l.ZDim); err != nil {
		return nil, err
	}
	n := x.Shape()[0]

	transform, err := l.mi.Forward(s, z) // (N, XDim*OutDim)
	if err != nil {
		return nil, err
	}
	if transform, err = gorgonia.Reshape(transform, tensor.Shape{n, l.XDim, l.OutDim}); err != nil {
		return nil, err
	}
	x3, err := gorgonia.Reshape(x, tensor.Shape{n, 1, l.XDim})
	if err != nil {
		return nil, err
	}
	res, err := gorgonia.BatchedMatMul(x3, transform)
	if err != nil {
		return nil, err
	}
	if res, err = gorgonia.Reshape(res, tensor.Shape{n, l.OutDim}); err != nil {
		return nil, err
	}

	if l.dense != nil {
		xz, err := gorgonia.Concat(1, x, z)
		if err != nil {
			return nil, err
		}
		d, err := l.dense.Forward(s, xz)
		if err != nil {
			return nil, err
		}
		if res, err = gorgonia.Add(res, d); err != nil {
			return nil, err
		}
	}
	if got := res.Shape(); got.Dims() != 2 || got[0] != n || got[1] != l.OutDim {
		return nil, errors.Wrapf(ErrDimMismatch, "wrong shape: %v", got)
	}
	return res, nil
}

// ConcatLayer is a linear map over [x, z].
type ConcatLayer struct {
	XDim, ZDim int
	model      *Linear
}

func NewConcatLayer(ps *ParamSet, name string, xDim, zDim, outDim int) *ConcatLayer {
	return &ConcatLayer{XDim: xDim, ZDim: zDim, model: NewLinear(ps, name+".model", xDim+zDim, outDim, true)}
}

func (l *ConcatLayer) Fuse(s *Scope, x, z *gorgonia.Node) (*gorgonia.Node, error) {
	if err := checkFusionInputs(x, z, l.XDim, l.ZDim); err != nil {
		return nil, err
	}
	xz, err := gorgonia.Concat(1, x, z)
	if err != nil {
		return nil, err
	}
	return l.model.Forward(s, xz)
}

// Fuser applies an activation on top of a fusion transform.
type Fuser struct {
	Transform  Fusion
	Activation Module
}

func (f *Fuser) Fuse(s *Scope, x, z *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := f.Transform.Fuse(s, x, z)
	if err != nil {
		return nil, err
	}
	return f.Activation.Forward(s, out)
}

// CreateFuser builds pure_mult_int, full_mult_int or concat fusion.
func CreateFuser(ps *ParamSet, name, fusingType string, inputSize, contextSize, outputSize int, act string) (*Fuser, error) {
	a, err := CreateActivation(act)
	if err != nil {
		return nil, err
	}
	var transform Fusion
	switch fusingType {
	case "pure_mult_int":
		transform = NewMILayer(ps, name+".transform", inputSize, contextSize, outputSize, false)
	case "full_mult_int":
		transform = NewMILayer(ps, name+".transform", inputSize, contextSize, outputSize, true)
	case "concat":
		transform = NewConcatLayer(ps, name+".transform", inputSize, contextSize, outputSize)
	default:
		return nil, errors.Wrapf(ErrUnknownFusingType, "%q", fusingType)
	}
	return &Fuser{Transform: transform, Activation: a}, nil
}

// FeatEmbedder embeds class labels either from a learned table or by
// projecting their attribute vectors.
type FeatEmbedder struct {
	attrs [][]float32
	table *Embedding
	proj  *Linear
}

func NewFeatEmbedder(ps *ParamSet, name string, numClasses, embDim int, attrs [][]float32) *FeatEmbedder {
	if attrs != nil {
		return &FeatEmbedder{attrs: attrs, proj: NewLinear(ps, name+".model", len(attrs[0]), embDim, true)}
	}
	return &FeatEmbedder{table: NewEmbedding(ps, name+".model", numClasses, embDim)}
}

func (f *FeatEmbedder) Embed(s *Scope, labels []int) (*gorgonia.Node, error) {
	if f.table != nil {
		return f.table.Lookup(s, labels)
	}
	dim := len(f.attrs[0])
	rows := make([]float32, 0, len(labels)*dim)
	for _, y := range labels {
		if y < 0 || y >= len(f.attrs) {
			return nil, errors.Errorf("label %d has no attributes", y)
		}
		rows = append(rows, f.attrs[y]...)
	}
	return f.proj.Forward(s, s.Const([]int{len(labels), dim}, rows, "label_attrs"))
}
