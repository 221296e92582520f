package models

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"lifelong/internal/config"
)

// ZSClassifier scores images against class attribute vectors projected
// into the image embedding space: logits = f(x) * (A*W)' + b.
type ZSClassifier struct {
	params   *ParamSet
	embedder Module
	attrs    [][]float32
	attrEmb  *Linear
	biases   *Param
}

// NewZSClassifier owns ps; embedder must already be registered in it and
// produce (N, embDim) features.
func NewZSClassifier(ps *ParamSet, embedder Module, embDim int, attrs [][]float32) (*ZSClassifier, error) {
	if len(attrs) == 0 || len(attrs[0]) == 0 {
		return nil, errors.New("zero-shot classifier needs class attributes")
	}
	dim := len(attrs[0])
	for i, row := range attrs {
		if len(row) != dim {
			return nil, errors.Wrapf(ErrDimMismatch, "attribute row %d has %d values, want %d", i, len(row), dim)
		}
	}
	return &ZSClassifier{
		params:   ps,
		embedder: embedder,
		attrs:    attrs,
		attrEmb:  NewLinear(ps, "attr_emb", dim, embDim, false),
		biases:   ps.Add("biases", []int{1, len(attrs)}, nil),
	}, nil
}

func (c *ZSClassifier) Params() *ParamSet { return c.params }

// HeadSize counts the parameters that depend on the classes.
func (c *ZSClassifier) HeadSize() int { return c.biases.Size() + c.attrEmb.W.Size() }

func (c *ZSClassifier) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	feats, err := c.embedder.Forward(s, x)
	if err != nil {
		return nil, err
	}
	k, dim := len(c.attrs), len(c.attrs[0])
	flat := make([]float32, 0, k*dim)
	for _, row := range c.attrs {
		flat = append(flat, row...)
	}
	attrFeats, err := c.attrEmb.Forward(s, s.Const([]int{k, dim}, flat, "class_attrs"))
	if err != nil {
		return nil, err
	}
	if feats.Dims() != 2 || feats.Shape()[1] != attrFeats.Shape()[1] {
		return nil, errors.Wrapf(ErrDimMismatch, "image features %v vs attribute embeddings %v", feats.Shape(), attrFeats.Shape())
	}
	attrT, err := gorgonia.Transpose(attrFeats)
	if err != nil {
		return nil, err
	}
	logits, err := gorgonia.Mul(feats, attrT)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(logits, s.Node(c.biases), nil, []byte{0})
}

// ResnetClassifier is a ResNet trunk with a linear head.
type ResnetClassifier struct {
	params   *ParamSet
	embedder *ResnetEmbedder
	head     *Linear
}

func NewResnetClassifier(ps *ParamSet, depth, numClasses int) (*ResnetClassifier, error) {
	emb, err := NewResnetEmbedder(ps, "resnet_emb.", depth)
	if err != nil {
		return nil, err
	}
	return &ResnetClassifier{
		params:   ps,
		embedder: emb,
		head:     NewLinear(ps, "head", emb.OutDim(), numClasses, true),
	}, nil
}

func (c *ResnetClassifier) Params() *ParamSet { return c.params }

func (c *ResnetClassifier) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	feats, err := c.embedder.Forward(s, x)
	if err != nil {
		return nil, err
	}
	return c.head.Forward(s, feats)
}

// FeatClassifier is an MLP over precomputed feature vectors.
type FeatClassifier struct {
	params *ParamSet
	model  Sequential
}

func NewFeatClassifier(ps *ParamSet, featDim int, hidSizes []int, numClasses int, act string) (*FeatClassifier, error) {
	sizes := append(append([]int{featDim}, hidSizes...), numClasses)
	model, err := CreateSequentialModel(ps, "model", sizes, false, act, true)
	if err != nil {
		return nil, err
	}
	return &FeatClassifier{params: ps, model: model}, nil
}

func (c *FeatClassifier) Params() *ParamSet { return c.params }

func (c *FeatClassifier) Forward(s *Scope, x *gorgonia.Node) (*gorgonia.Node, error) {
	if x.Dims() > 2 {
		var err error
		if x, err = (Flatten{}).Forward(s, x); err != nil {
			return nil, err
		}
	}
	return c.model.Forward(s, x)
}

// Build assembles the classifier named by cfg.Type. inputShape excludes the
// batch axis; attrs may be nil unless a zero-shot model is requested.
func Build(cfg config.ModelConfig, inputShape []int, numClasses int, attrs [][]float32) (Classifier, error) {
	ps := NewParamSet()
	var (
		clf Classifier
		err error
	)
	switch cfg.Type {
	case "resnet":
		clf, err = NewResnetClassifier(ps, cfg.ResnetNLayers, numClasses)
	case "zs":
		emb, eerr := NewResnetEmbedder(ps, "resnet_emb.", cfg.ResnetNLayers)
		if eerr != nil {
			return nil, eerr
		}
		clf, err = NewZSClassifier(ps, emb, emb.OutDim(), attrs)
	case "feat":
		clf, err = NewFeatClassifier(ps, tensor.Shape(inputShape).TotalSize(), cfg.HidSizes, numClasses, cfg.Activation)
	case "zs_feat":
		sizes := append(append([]int{tensor.Shape(inputShape).TotalSize()}, cfg.HidSizes...), cfg.EmbDim)
		emb, eerr := CreateSequentialModel(ps, "feat_emb", sizes, false, cfg.Activation, true)
		if eerr != nil {
			return nil, eerr
		}
		clf, err = NewZSClassifier(ps, emb, cfg.EmbDim, attrs)
	default:
		return nil, errors.Errorf("unknown model type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Pretrained && (cfg.Type == "resnet" || cfg.Type == "zs") {
		if _, err := LoadPretrained(ps, cfg.PretrainedPath, "resnet_emb.resnet."); err != nil {
			return nil, err
		}
	}
	if cfg.FreezeEmbedder {
		if cfg.Type != "resnet" && cfg.Type != "zs" {
			return nil, errors.Errorf("model type %q has no resnet embedder to freeze", cfg.Type)
		}
		ps.Freeze("resnet_emb.")
	}
	return clf, nil
}
