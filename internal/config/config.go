// Package config loads experiment configuration.
//
// Priority: defaults -> YAML file -> environment (LLL_* variables).
//
//	cfg, err := config.Load("experiment.yaml")
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for any rejected option.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full experiment configuration.
type Config struct {
	Dataset   DatasetConfig `yaml:"dataset"`
	HP        HPConfig      `yaml:"hp"`
	LLLSetup  LLLSetup      `yaml:"lll_setup"`
	Model     ModelConfig   `yaml:"model"`
	Log       LogConfig     `yaml:"log"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Results   ResultsConfig `yaml:"results"`
	Trainer   string        `yaml:"trainer"`
	StartTask int           `yaml:"start_task"`
	Seed      int64         `yaml:"random_seed"`
}

// DatasetConfig selects and shapes the dataset.
type DatasetConfig struct {
	Name      string `yaml:"name"`
	Dir       string `yaml:"dir"`
	InputType int    `yaml:"input_type"`
	// ImgSize resizes images to ImgSize x ImgSize; 0 keeps the file size.
	ImgSize    int              `yaml:"img_size"`
	Preprocess bool             `yaml:"preprocess"`
	InMemory   bool             `yaml:"in_memory"`
	NumWorkers int              `yaml:"num_workers"`
	Attributes AttributesConfig `yaml:"attributes"`
}

// AttributesConfig chooses where class attributes come from.
// Source is one of: dataset, text, hash, none.
type AttributesConfig struct {
	Source    string `yaml:"source"`
	ModelName string `yaml:"model_name"`
	ModelsDir string `yaml:"models_dir"`
	Dim       int    `yaml:"dim"`
}

// HPConfig holds training hyperparameters.
type HPConfig struct {
	BatchSize             int     `yaml:"batch_size"`
	NumEpochs             int     `yaml:"num_epochs"`
	LR                    float64 `yaml:"lr"`
	Optimizer             string  `yaml:"optimizer"`
	L2                    float64 `yaml:"l2"`
	MemBatchSize          int     `yaml:"mem_batch_size"`
	NumMemSamplesPerClass int     `yaml:"num_mem_samples_per_class"`
	PruneLogits           bool    `yaml:"prune_logits"`
}

// LLLSetup describes the task sequence.
type LLLSetup struct {
	NumTasks   int  `yaml:"num_tasks"`
	NumClasses int  `yaml:"num_classes"`
	Shuffle    bool `yaml:"shuffle_classes"`
	// ClassSplits overrides the automatic split when set.
	ClassSplits [][]int `yaml:"class_splits"`
}

// ModelConfig selects the classifier.
// Type is one of: zs, resnet, feat, zs_feat.
type ModelConfig struct {
	Type           string `yaml:"type"`
	EmbDim         int    `yaml:"emb_dim"`
	HidSizes       []int  `yaml:"hid_sizes"`
	Activation     string `yaml:"activation"`
	ResnetNLayers  int    `yaml:"resnet_n_layers"`
	Pretrained     bool   `yaml:"pretrained"`
	PretrainedPath string `yaml:"pretrained_path"`
	// FreezeEmbedder keeps the ResNet backbone out of training so only the
	// head (or attribute projection) learns. resnet and zs only.
	FreezeEmbedder bool `yaml:"freeze_embedder"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ResultsConfig configures the sqlite results store. Empty DB disables it.
type ResultsConfig struct {
	DB         string `yaml:"db"`
	Experiment string `yaml:"experiment"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			Name:       "CUB_EMBEDDINGS",
			Dir:        "data/CUB_200_2011",
			InputType:  18,
			NumWorkers: 4,
			Attributes: AttributesConfig{Source: "dataset", ModelsDir: "./models", Dim: 64},
		},
		HP: HPConfig{
			BatchSize:             10,
			NumEpochs:             1,
			LR:                    0.001,
			Optimizer:             "adam",
			MemBatchSize:          256,
			NumMemSamplesPerClass: 5,
			PruneLogits:           true,
		},
		LLLSetup: LLLSetup{NumTasks: 10, NumClasses: 200},
		Model: ModelConfig{
			Type:          "zs_feat",
			EmbDim:        512,
			Activation:    "relu",
			ResnetNLayers: 18,
		},
		Log:     LogConfig{Level: "info", Format: "console"},
		Trainer: "agem",
		Seed:    42,
	}
}

// Load reads path (may be empty), then applies env overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString("LLL_DATASET", &c.Dataset.Name)
	setString("LLL_DATA_DIR", &c.Dataset.Dir)
	setString("LLL_TRAINER", &c.Trainer)
	setString("LLL_LOG_LEVEL", &c.Log.Level)
	ints := []struct {
		key string
		dst *int
	}{
		{"LLL_EPOCHS", &c.HP.NumEpochs},
		{"LLL_BATCH_SIZE", &c.HP.BatchSize},
		{"LLL_MEM_BATCH_SIZE", &c.HP.MemBatchSize},
		{"LLL_MEM_SAMPLES_PER_CLASS", &c.HP.NumMemSamplesPerClass},
		{"LLL_START_TASK", &c.StartTask},
	}
	for _, o := range ints {
		if err := setInt(o.key, o.dst); err != nil {
			return err
		}
	}
	if err := setFloat("LLL_LR", &c.HP.LR); err != nil {
		return err
	}
	return setInt64("LLL_SEED", &c.Seed)
}

// Validate rejects options outside the closed sets and inconsistent splits.
func (c *Config) Validate() error {
	switch c.Trainer {
	case "basic", "agem":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown trainer %q", c.Trainer)
	}
	switch c.HP.Optimizer {
	case "adam", "sgd", "momentum", "rmsprop":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown optimizer %q", c.HP.Optimizer)
	}
	switch c.Model.Type {
	case "zs", "resnet", "feat", "zs_feat":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown model type %q", c.Model.Type)
	}
	if c.Model.FreezeEmbedder && c.Model.Type != "resnet" && c.Model.Type != "zs" {
		return errors.Wrapf(ErrInvalidConfig, "freeze_embedder needs a resnet backbone, model type is %q", c.Model.Type)
	}
	switch c.Dataset.Attributes.Source {
	case "dataset", "text", "hash", "none":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown attributes source %q", c.Dataset.Attributes.Source)
	}
	if c.HP.BatchSize <= 0 || c.HP.NumEpochs <= 0 {
		return errors.Wrap(ErrInvalidConfig, "batch_size and num_epochs must be positive")
	}
	if c.HP.MemBatchSize <= 0 || c.HP.NumMemSamplesPerClass <= 0 {
		return errors.Wrap(ErrInvalidConfig, "mem_batch_size and num_mem_samples_per_class must be positive")
	}
	if c.LLLSetup.NumClasses <= 0 {
		return errors.Wrap(ErrInvalidConfig, "lll_setup.num_classes must be positive")
	}
	if c.StartTask < 0 {
		return errors.Wrap(ErrInvalidConfig, "start_task must be non-negative")
	}
	if len(c.LLLSetup.ClassSplits) > 0 {
		seen := make(map[int]bool)
		for _, split := range c.LLLSetup.ClassSplits {
			for _, cls := range split {
				if cls < 0 || cls >= c.LLLSetup.NumClasses {
					return errors.Wrapf(ErrInvalidConfig, "class %d out of range [0, %d)", cls, c.LLLSetup.NumClasses)
				}
				if seen[cls] {
					return errors.Wrapf(ErrInvalidConfig, "class %d assigned to more than one task", cls)
				}
				seen[cls] = true
			}
		}
	} else if c.LLLSetup.NumTasks <= 0 || c.LLLSetup.NumTasks > c.LLLSetup.NumClasses {
		return errors.Wrapf(ErrInvalidConfig, "num_tasks must be in [1, %d]", c.LLLSetup.NumClasses)
	}
	return nil
}

// NumTasks is the number of tasks implied by the splits setup.
func (c *Config) NumTasks() int {
	if len(c.LLLSetup.ClassSplits) > 0 {
		return len(c.LLLSetup.ClassSplits)
	}
	return c.LLLSetup.NumTasks
}

func lookupEnv(k string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(k))
	return v, v != ""
}

func setString(k string, dst *string) {
	if v, ok := lookupEnv(k); ok {
		*dst = v
	}
}

func setInt(k string, dst *int) error {
	v, ok := lookupEnv(k)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s=%q is not an integer", k, v)
	}
	*dst = n
	return nil
}

func setInt64(k string, dst *int64) error {
	v, ok := lookupEnv(k)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s=%q is not an integer", k, v)
	}
	*dst = n
	return nil
}

func setFloat(k string, dst *float64) error {
	v, ok := lookupEnv(k)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s=%q is not a number", k, v)
	}
	*dst = f
	return nil
}
