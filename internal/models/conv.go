package models

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv2d is a square-kernel NCHW convolution.
type Conv2d struct {
	In, Out, Kernel, Stride, Pad int
	W, B                         *Param
}

func NewConv2d(ps *ParamSet, name string, in, out, kernel, stride, pad int, bias bool) *Conv2d {
	fanIn := in * kernel * kernel
	c := &Conv2d{In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad}
	c.W = ps.Add(name+".weight", []int{out, in, kernel, kernel}, kaimingUniform(out*fanIn, fanIn))
	if bias {
		c.B = ps.Add(name+".bias", []int{out}, kaimingUniform(out, fanIn))
	}
	return c
}

func (c *Conv2d) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 || x.Shape()[1] != c.In {
		return nil, errors.Wrapf(ErrDimMismatch, "conv %s expects (N, %d, H, W), got %v", c.W.Name, c.In, x.Shape())
	}
	out, err := gorgonia.Conv2d(x, s.Node(c.W), tensor.Shape{c.Kernel, c.Kernel},
		[]int{c.Pad, c.Pad}, []int{c.Stride, c.Stride}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if c.B == nil {
		return out, nil
	}
	b, err := gorgonia.Reshape(s.Node(c.B), tensor.Shape{1, c.Out, 1, 1})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, b, nil, []byte{0, 2, 3})
}

// MaxPool2d wraps gorgonia's square max pooling.
type MaxPool2d struct{ Kernel, Stride, Pad int }

func (m MaxPool2d) Forward(_ *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.MaxPool2D(x, tensor.Shape{m.Kernel, m.Kernel}, []int{m.Pad, m.Pad}, []int{m.Stride, m.Stride})
}

// GlobalAvgPool averages NCHW input over H and W into (N, C).
type GlobalAvgPool struct{}

func (GlobalAvgPool) Forward(_ *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 {
		return nil, errors.Wrapf(ErrDimMismatch, "avgpool expects 4D input, got %v", x.Shape())
	}
	h, err := gorgonia.Mean(x, 3)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(h, 2)
}

// BatchNorm2d normalizes per channel. Batch statistics are used while
// training and folded into the running buffers after each run.
type BatchNorm2d struct {
	C        int
	Momentum float64
	Eps      float64

	Weight, Bias            *Param // nil when not affine
	RunningMean, RunningVar *Param
}

func NewBatchNorm2d(ps *ParamSet, name string, c int, affine bool) *BatchNorm2d {
	bn := &BatchNorm2d{C: c, Momentum: 0.1, Eps: 1e-5}
	if affine {
		bn.Weight = ps.Add(name+".weight", []int{c}, filled(c, 1))
		bn.Bias = ps.Add(name+".bias", []int{c}, nil)
	}
	bn.RunningMean = ps.Add(name+".running_mean", []int{c}, nil)
	bn.RunningVar = ps.Add(name+".running_var", []int{c}, filled(c, 1))
	bn.RunningMean.Trainable = false
	bn.RunningVar.Trainable = false
	return bn
}

func channelMean(x *gorgonia.Node) (*gorgonia.Node, error) {
	m, err := gorgonia.Mean(x, 3)
	if err != nil {
		return nil, err
	}
	if m, err = gorgonia.Mean(m, 2); err != nil {
		return nil, err
	}
	return gorgonia.Mean(m, 0)
}

func (bn *BatchNorm2d) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() != 4 || x.Shape()[1] != bn.C {
		return nil, errors.Wrapf(ErrDimMismatch, "batchnorm expects (N, %d, H, W), got %v", bn.C, x.Shape())
	}
	chan4 := tensor.Shape{1, bn.C, 1, 1}
	bcast := []byte{0, 2, 3}

	var mean, variance *gorgonia.Node
	var err error
	if s.Training {
		if mean, err = channelMean(x); err != nil {
			return nil, err
		}
	} else {
		mean = s.Node(bn.RunningMean)
	}
	mean4, err := gorgonia.Reshape(mean, chan4)
	if err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, mean4, nil, bcast)
	if err != nil {
		return nil, err
	}
	if s.Training {
		sq, err := gorgonia.Square(centered)
		if err != nil {
			return nil, err
		}
		if variance, err = channelMean(sq); err != nil {
			return nil, err
		}
		shape := x.Shape()
		n := float32(shape[0] * shape[2] * shape[3])
		s.AfterRun(mean, func(v gorgonia.Value) { bn.track(bn.RunningMean, v, 1) })
		s.AfterRun(variance, func(v gorgonia.Value) {
			unbiased := float32(1)
			if n > 1 {
				unbiased = n / (n - 1)
			}
			bn.track(bn.RunningVar, v, unbiased)
		})
	} else {
		variance = s.Node(bn.RunningVar)
	}

	std, err := gorgonia.Add(variance, s.Scalar(float32(bn.Eps), "bn_eps"))
	if err != nil {
		return nil, err
	}
	if std, err = gorgonia.Sqrt(std); err != nil {
		return nil, err
	}
	std4, err := gorgonia.Reshape(std, chan4)
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.BroadcastHadamardDiv(centered, std4, nil, bcast)
	if err != nil {
		return nil, err
	}
	if bn.Weight == nil {
		return out, nil
	}
	w4, err := gorgonia.Reshape(s.Node(bn.Weight), chan4)
	if err != nil {
		return nil, err
	}
	b4, err := gorgonia.Reshape(s.Node(bn.Bias), chan4)
	if err != nil {
		return nil, err
	}
	if out, err = gorgonia.BroadcastHadamardProd(out, w4, nil, bcast); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, b4, nil, bcast)
}

func (bn *BatchNorm2d) track(buf *Param, v gorgonia.Value, scale float32) {
	data, ok := v.Data().([]float32)
	if !ok || len(data) != bn.C {
		return
	}
	m := float32(bn.Momentum)
	dst := buf.Data()
	for i := range dst {
		dst[i] = (1-m)*dst[i] + m*data[i]*scale
	}
}

// ConditionalBatchNorm2d is a non-affine batch norm whose scale and shift
// come from a per-class embedding.
// See https://github.com/pytorch/pytorch/issues/8985
type ConditionalBatchNorm2d struct {
	NumFeatures int
	bn          *BatchNorm2d
	embed       *Embedding
}

func NewConditionalBatchNorm2d(ps *ParamSet, name string, numFeatures, numClasses int) *ConditionalBatchNorm2d {
	c := &ConditionalBatchNorm2d{
		NumFeatures: numFeatures,
		bn:          NewBatchNorm2d(ps, name+".bn", numFeatures, false),
		embed:       NewEmbedding(ps, name+".embed", numClasses, numFeatures*2),
	}
	w := c.embed.W.Data()
	for k := 0; k < numClasses; k++ {
		row := w[k*2*numFeatures : (k+1)*2*numFeatures]
		copy(row[:numFeatures], randn(numFeatures, 1, 0.02))
		for i := numFeatures; i < 2*numFeatures; i++ {
			row[i] = 0
		}
	}
	return c
}

// ForwardCond normalizes x and modulates it with the embedding of y.
func (c *ConditionalBatchNorm2d) ForwardCond(s *Scope, x *gorgonia.Node, y []int) (*gorgonia.Node, error) {
	out, err := c.bn.Forward(s, x)
	if err != nil {
		return nil, err
	}
	n := x.Shape()[0]
	if len(y) != n {
		return nil, errors.Wrapf(ErrDimMismatch, "%d labels for batch of %d", len(y), n)
	}
	emb, err := c.embed.Lookup(s, y)
	if err != nil {
		return nil, err
	}
	f := c.NumFeatures
	gamma, err := gorgonia.Slice(emb, nil, gorgonia.S(0, f))
	if err != nil {
		return nil, err
	}
	beta, err := gorgonia.Slice(emb, nil, gorgonia.S(f, 2*f))
	if err != nil {
		return nil, err
	}
	if gamma, err = gorgonia.Reshape(gamma, tensor.Shape{n, f, 1, 1}); err != nil {
		return nil, err
	}
	if beta, err = gorgonia.Reshape(beta, tensor.Shape{n, f, 1, 1}); err != nil {
		return nil, err
	}
	if out, err = gorgonia.BroadcastHadamardProd(out, gamma, nil, []byte{2, 3}); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, beta, nil, []byte{2, 3})
}

// ConvBNReLU is conv -> optional 2x2 max pool -> batch norm -> relu.
type ConvBNReLU struct {
	block Sequential
}

func NewConvBNReLU(ps *ParamSet, name string, in, out, kernel, stride, pad int, maxpool bool) *ConvBNReLU {
	relu, _ := CreateActivation("relu")
	var pool Module = NewIdentity(ps, name+".block.1")
	if maxpool {
		pool = MaxPool2d{Kernel: 2, Stride: 2}
	}
	return &ConvBNReLU{block: Sequential{
		NewConv2d(ps, name+".block.0", in, out, kernel, stride, pad, true),
		pool,
		NewBatchNorm2d(ps, name+".block.2", out, true),
		relu,
	}}
}

func (c *ConvBNReLU) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	return c.block.Forward(s, x)
}
