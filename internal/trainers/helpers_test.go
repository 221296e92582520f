package trainers

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lifelong/internal/config"
	"lifelong/internal/dataloaders"
	"lifelong/internal/models"
)

const featDim = 6

func testConfig(numClasses, numTasks int) *config.Config {
	cfg := config.Default()
	cfg.Trainer = "agem"
	cfg.Seed = 7
	cfg.HP = config.HPConfig{
		BatchSize:             4,
		NumEpochs:             3,
		LR:                    0.1,
		Optimizer:             "sgd",
		MemBatchSize:          100,
		NumMemSamplesPerClass: 3,
		PruneLogits:           true,
	}
	cfg.LLLSetup = config.LLLSetup{NumTasks: numTasks, NumClasses: numClasses}
	return cfg
}

// blobs has perClass noisy one-hot vectors for every class.
func blobs(numClasses, perClass int, seed int64) *dataloaders.Dataset {
	r := rand.New(rand.NewSource(seed))
	var samples []dataloaders.Sample
	for y := 0; y < numClasses; y++ {
		for k := 0; k < perClass; k++ {
			x := make([]float32, featDim)
			for j := range x {
				x[j] = float32(r.NormFloat64() * 0.1)
			}
			x[y%featDim] += 1
			samples = append(samples, dataloaders.Sample{X: x, Shape: []int{featDim}, Label: y})
		}
	}
	return dataloaders.NewDataset(samples)
}

func testEnv(t *testing.T, cfg *config.Config, train *dataloaders.Dataset) Env {
	t.Helper()
	model, err := models.NewFeatClassifier(models.NewParamSet(), featDim, []int{8}, cfg.LLLSetup.NumClasses, "relu")
	require.NoError(t, err)
	return Env{
		Config: cfg,
		Model:  model,
		Train:  train,
		Test:   train,
		Rng:    rand.New(rand.NewSource(cfg.Seed)),
		Logger: zap.NewNop(),
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.NotEmpty(t, f.GetMetric())
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func dot(x, y []float32) float64 {
	var s float64
	for i := range x {
		s += float64(x[i]) * float64(y[i])
	}
	return s
}

var zapNop = zap.NewNop()
