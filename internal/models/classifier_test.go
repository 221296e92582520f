package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"lifelong/internal/config"
)

func TestBuild_FeatModels(t *testing.T) {
	attrs := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}}
	x := tensor.New(tensor.WithShape(2, 5), tensor.WithBacking(filled(10, 0.5)))

	for _, typ := range []string{"feat", "zs_feat"} {
		t.Run(typ, func(t *testing.T) {
			cfg := config.ModelConfig{Type: typ, EmbDim: 6, HidSizes: []int{7}, Activation: "relu"}
			m, err := Build(cfg, []int{5}, 4, attrs)
			require.NoError(t, err)

			out, shape, err := Predict(m, x)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{2, 4}, shape)
			assert.Len(t, out, 8)

			_, err = Backward(m, Batch{X: x, Y: []int{0, 3}})
			require.NoError(t, err)
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(config.ModelConfig{Type: "transformer"}, []int{4}, 2, nil)
	assert.Error(t, err)

	_, err = Build(config.ModelConfig{Type: "zs_feat", EmbDim: 4, Activation: "relu"}, []int{4}, 2, nil)
	assert.Error(t, err, "zero-shot needs attributes")

	_, err = Build(config.ModelConfig{Type: "resnet", ResnetNLayers: 101}, []int{3, 32, 32}, 2, nil)
	assert.True(t, errors.Is(err, ErrUnknownResnet))
}

func TestNewZSClassifier_RaggedAttributes(t *testing.T) {
	ps := NewParamSet()
	_, err := NewZSClassifier(ps, NewIdentity(ps, "emb"), 2, [][]float32{{1, 2}, {3}})
	assert.True(t, errors.Is(err, ErrDimMismatch))
}

func TestZSClassifier_HeadSize(t *testing.T) {
	ps := NewParamSet()
	attrs := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	emb, err := CreateSequentialModel(ps, "emb", []int{4, 5}, false, "relu", true)
	require.NoError(t, err)
	c, err := NewZSClassifier(ps, emb, 5, attrs)
	require.NoError(t, err)
	assert.Equal(t, 3+2*5, c.HeadSize())
}

func TestResnetEmbedder_TorchvisionNames(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a full resnet18")
	}
	ps := NewParamSet()
	e, err := NewResnetEmbedder(ps, "resnet_emb.", 18)
	require.NoError(t, err)
	assert.Equal(t, 512, e.OutDim())
	for _, name := range []string{
		"resnet_emb.resnet.conv1.weight",
		"resnet_emb.resnet.bn1.weight",
		"resnet_emb.resnet.layer1.0.conv1.weight",
		"resnet_emb.resnet.layer2.0.downsample.0.weight",
		"resnet_emb.resnet.layer4.1.bn2.bias",
	} {
		_, ok := ps.Get(name)
		assert.True(t, ok, name)
	}
	_, ok := ps.Get("resnet_emb.resnet.layer1.0.downsample.0.weight")
	assert.False(t, ok, "layer1 keeps stride 1 and width 64")

	_, err = LoadPretrained(ps, "", "resnet_emb.resnet.")
	assert.Error(t, err)
}

func TestBuild_FreezeEmbedder(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a full resnet18")
	}
	cfg := config.ModelConfig{Type: "resnet", ResnetNLayers: 18, FreezeEmbedder: true}
	m, err := Build(cfg, []int{3, 32, 32}, 5, nil)
	require.NoError(t, err)

	ps := m.Params()
	assert.Equal(t, 512*5+5, ps.NumTrainable(), "only the head trains")
	for _, p := range ps.Trainable() {
		assert.NotContains(t, p.Name, "resnet_emb.")
	}
	p, ok := ps.Get("resnet_emb.resnet.conv1.weight")
	require.True(t, ok)
	assert.False(t, p.Trainable)

	_, err = Build(config.ModelConfig{Type: "feat", Activation: "relu", FreezeEmbedder: true}, []int{4}, 2, nil)
	assert.Error(t, err)
}
