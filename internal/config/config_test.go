package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "agem", cfg.Trainer)
	assert.Equal(t, 10, cfg.NumTasks())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dataset:
  name: CUB
  dir: /data/cub
  img_size: 224
hp:
  batch_size: 32
  mem_batch_size: 64
  num_mem_samples_per_class: 3
start_task: 1
lll_setup:
  num_classes: 6
  class_splits: [[0, 1], [2, 3], [4, 5]]
model:
  type: zs
trainer: basic
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "CUB", cfg.Dataset.Name)
	assert.Equal(t, "/data/cub", cfg.Dataset.Dir)
	assert.Equal(t, 224, cfg.Dataset.ImgSize)
	assert.Equal(t, 32, cfg.HP.BatchSize)
	assert.Equal(t, 64, cfg.HP.MemBatchSize)
	assert.Equal(t, 3, cfg.HP.NumMemSamplesPerClass)
	assert.Equal(t, 1, cfg.StartTask)
	assert.Equal(t, 3, cfg.NumTasks())
	assert.Equal(t, "basic", cfg.Trainer)
	// untouched keys keep their defaults
	assert.Equal(t, "adam", cfg.HP.Optimizer)
	assert.Equal(t, 0.001, cfg.HP.LR)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "hp:\n  num_epochs: 3\n")
	t.Setenv("LLL_EPOCHS", "7")
	t.Setenv("LLL_LR", "0.05")
	t.Setenv("LLL_TRAINER", "basic")
	t.Setenv("LLL_SEED", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.HP.NumEpochs)
	assert.Equal(t, 0.05, cfg.HP.LR)
	assert.Equal(t, "basic", cfg.Trainer)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, 256, cfg.HP.MemBatchSize)
}

func TestLoad_MalformedEnvIsRejected(t *testing.T) {
	for key, val := range map[string]string{
		"LLL_MEM_BATCH_SIZE": "not-a-number",
		"LLL_EPOCHS":         "3.5",
		"LLL_LR":             "fast",
		"LLL_SEED":           "0x",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load("")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown trainer", func(c *Config) { c.Trainer = "ewc" }},
		{"unknown optimizer", func(c *Config) { c.HP.Optimizer = "lbfgs" }},
		{"unknown model", func(c *Config) { c.Model.Type = "vit" }},
		{"unknown attributes source", func(c *Config) { c.Dataset.Attributes.Source = "wiki" }},
		{"zero batch size", func(c *Config) { c.HP.BatchSize = 0 }},
		{"zero mem batch", func(c *Config) { c.HP.MemBatchSize = 0 }},
		{"negative start task", func(c *Config) { c.StartTask = -1 }},
		{"too many tasks", func(c *Config) { c.LLLSetup.NumTasks = 500 }},
		{"class out of range", func(c *Config) { c.LLLSetup.ClassSplits = [][]int{{0, 1}, {200}} }},
		{"class in two tasks", func(c *Config) { c.LLLSetup.ClassSplits = [][]int{{0, 1}, {1, 2}} }},
		{"frozen embedder without resnet", func(c *Config) { c.Model.FreezeEmbedder = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}
