package main

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lifelong/internal/config"
	"lifelong/internal/dataloaders"
	"lifelong/internal/results"
)

func writeDigitFeats(t *testing.T, dir, split string, perClass int, seed int64) {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	var samples []dataloaders.Sample
	for y := 0; y < 10; y++ {
		for k := 0; k < perClass; k++ {
			x := make([]float32, 12)
			for j := range x {
				x[j] = float32(r.NormFloat64() * 0.1)
			}
			x[y] += 1
			samples = append(samples, dataloaders.Sample{X: x, Shape: []int{12}, Label: y})
		}
	}
	require.NoError(t, dataloaders.SaveFeats(dataloaders.NewDataset(samples), dir, 18, split))
}

func TestTrain_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	writeDigitFeats(t, dir, "train", 6, 1)
	writeDigitFeats(t, dir, "test", 2, 2)

	cfg := config.Default()
	cfg.Dataset = config.DatasetConfig{
		Name:       "MNIST_EMBEDDINGS",
		Dir:        dir,
		InputType:  18,
		Attributes: config.AttributesConfig{Source: "hash", Dim: 8},
	}
	cfg.Model = config.ModelConfig{Type: "zs_feat", EmbDim: 16, HidSizes: []int{16}, Activation: "relu"}
	cfg.LLLSetup = config.LLLSetup{NumTasks: 5, NumClasses: 10}
	cfg.HP.BatchSize = 8
	cfg.HP.NumEpochs = 2
	cfg.HP.LR = 0.01
	cfg.HP.MemBatchSize = 16
	cfg.HP.NumMemSamplesPerClass = 2
	cfg.Metrics.Textfile = filepath.Join(dir, "lll.prom")
	cfg.Results = config.ResultsConfig{DB: filepath.Join(dir, "results.db"), Experiment: "smoke"}

	require.NoError(t, train(context.Background(), cfg, zap.NewNop()))

	prom, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "lll_episodic_memory_size 20")

	store, err := results.Open(cfg.Results.DB, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.Runs(context.Background(), "smoke")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 5, runs[0].NumTasks)
	assert.Equal(t, "agem", runs[0].Trainer)
	assert.Len(t, runs[0].Accuracies, 15, "lower triangle of a 5x5 matrix")
}

func TestInitLogger_FallsBackToInfo(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "verbose", Format: "json"})
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestInitLogger_Levels(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console"})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}
