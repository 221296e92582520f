package models

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// ErrUnknownResnet is returned for depths other than 18, 34 and 50.
var ErrUnknownResnet = errors.New("unknown resnet depth")

type resnetSpec struct {
	blocks     [4]int
	bottleneck bool
}

var resnetSpecs = map[int]resnetSpec{
	18: {blocks: [4]int{2, 2, 2, 2}},
	34: {blocks: [4]int{3, 4, 6, 3}},
	50: {blocks: [4]int{3, 4, 6, 3}, bottleneck: true},
}

type resBlock struct {
	convs    []*Conv2d
	bns      []*BatchNorm2d
	downConv *Conv2d
	downBN   *BatchNorm2d
	relu     Module
}

func (b *resBlock) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	out := x
	var err error
	for i := range b.convs {
		if out, err = b.convs[i].Forward(s, out); err != nil {
			return nil, err
		}
		if out, err = b.bns[i].Forward(s, out); err != nil {
			return nil, err
		}
		if i < len(b.convs)-1 {
			if out, err = b.relu.Forward(s, out); err != nil {
				return nil, err
			}
		}
	}
	identity := x
	if b.downConv != nil {
		if identity, err = b.downConv.Forward(s, x); err != nil {
			return nil, err
		}
		if identity, err = b.downBN.Forward(s, identity); err != nil {
			return nil, err
		}
	}
	if out, err = gorgonia.Add(out, identity); err != nil {
		return nil, err
	}
	return b.relu.Forward(s, out)
}

// ResNet holds the torchvision ResNet trunk (no fc). Only stages in
// [from, to) are built, so partial embedders own no unused weights.
// Parameter names follow torchvision so pretrained state dicts map 1:1.
type ResNet struct {
	Depth    int
	from, to int

	conv1  *Conv2d
	bn1    *BatchNorm2d
	relu   Module
	stages [4]Sequential
}

func newResNet(ps *ParamSet, prefix string, depth, from, to int) (*ResNet, error) {
	spec, ok := resnetSpecs[depth]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownResnet, "%d", depth)
	}
	relu, _ := CreateActivation("relu")
	r := &ResNet{Depth: depth, from: from, to: to, relu: relu}
	if from == 0 {
		r.conv1 = NewConv2d(ps, prefix+"conv1", 3, 64, 7, 2, 3, false)
		r.bn1 = NewBatchNorm2d(ps, prefix+"bn1", 64, true)
	}

	expansion := 1
	if spec.bottleneck {
		expansion = 4
	}
	inplanes := 64
	if from > 0 {
		inplanes = 64 << (from - 1) * expansion
	}
	for stage := from; stage < to; stage++ {
		planes := 64 << stage
		stride := 2
		if stage == 0 {
			stride = 1
		}
		for i := 0; i < spec.blocks[stage]; i++ {
			name := fmt.Sprintf("%slayer%d.%d", prefix, stage+1, i)
			st := 1
			if i == 0 {
				st = stride
			}
			b := &resBlock{relu: relu}
			if spec.bottleneck {
				b.convs = []*Conv2d{
					NewConv2d(ps, name+".conv1", inplanes, planes, 1, 1, 0, false),
					NewConv2d(ps, name+".conv2", planes, planes, 3, st, 1, false),
					NewConv2d(ps, name+".conv3", planes, planes*expansion, 1, 1, 0, false),
				}
			} else {
				b.convs = []*Conv2d{
					NewConv2d(ps, name+".conv1", inplanes, planes, 3, st, 1, false),
					NewConv2d(ps, name+".conv2", planes, planes, 3, 1, 1, false),
				}
			}
			for j, c := range b.convs {
				b.bns = append(b.bns, NewBatchNorm2d(ps, fmt.Sprintf("%s.bn%d", name, j+1), c.Out, true))
			}
			if st != 1 || inplanes != planes*expansion {
				b.downConv = NewConv2d(ps, name+".downsample.0", inplanes, planes*expansion, 1, st, 0, false)
				b.downBN = NewBatchNorm2d(ps, name+".downsample.1", planes*expansion, true)
			}
			r.stages[stage] = append(r.stages[stage], b)
			inplanes = planes * expansion
		}
	}
	return r, nil
}

// OutChannels is the channel count after the last built stage.
func (r *ResNet) OutChannels() int {
	expansion := 1
	if resnetSpecs[r.Depth].bottleneck {
		expansion = 4
	}
	return 64 << (r.to - 1) * expansion
}

func (r *ResNet) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	if r.from == 0 {
		if x, err = r.conv1.Forward(s, x); err != nil {
			return nil, err
		}
		if x, err = r.bn1.Forward(s, x); err != nil {
			return nil, err
		}
		if x, err = r.relu.Forward(s, x); err != nil {
			return nil, err
		}
		if x, err = (MaxPool2d{Kernel: 3, Stride: 2, Pad: 1}).Forward(s, x); err != nil {
			return nil, err
		}
	}
	for stage := r.from; stage < r.to; stage++ {
		if x, err = r.stages[stage].Forward(s, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// ResnetEmbedder is the full trunk followed by global average pooling.
type ResnetEmbedder struct {
	Resnet *ResNet
}

func NewResnetEmbedder(ps *ParamSet, prefix string, depth int) (*ResnetEmbedder, error) {
	r, err := newResNet(ps, prefix+"resnet.", depth, 0, 4)
	if err != nil {
		return nil, err
	}
	return &ResnetEmbedder{Resnet: r}, nil
}

func (e *ResnetEmbedder) OutDim() int { return e.Resnet.OutChannels() }

func (e *ResnetEmbedder) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	feats, err := e.Resnet.Forward(s, x)
	if err != nil {
		return nil, err
	}
	return GlobalAvgPool{}.Forward(s, feats)
}

// ResNetConvEmbedder runs the trunk up to layer3 and keeps spatial maps.
type ResNetConvEmbedder struct {
	Resnet *ResNet
}

func NewResNetConvEmbedder(ps *ParamSet, prefix string, depth int) (*ResNetConvEmbedder, error) {
	r, err := newResNet(ps, prefix+"resnet.", depth, 0, 3)
	if err != nil {
		return nil, err
	}
	return &ResNetConvEmbedder{Resnet: r}, nil
}

func (e *ResNetConvEmbedder) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	return e.Resnet.Forward(s, x)
}

// ResNetLastBlock is layer4 alone, for inputs produced by ResNetConvEmbedder.
type ResNetLastBlock struct {
	Resnet     *ResNet
	ShouldPool bool
}

func NewResNetLastBlock(ps *ParamSet, prefix string, depth int, shouldPool bool) (*ResNetLastBlock, error) {
	r, err := newResNet(ps, prefix+"resnet.", depth, 3, 4)
	if err != nil {
		return nil, err
	}
	return &ResNetLastBlock{Resnet: r, ShouldPool: shouldPool}, nil
}

func (b *ResNetLastBlock) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := b.Resnet.Forward(s, x)
	if err != nil || !b.ShouldPool {
		return out, err
	}
	return GlobalAvgPool{}.Forward(s, out)
}
