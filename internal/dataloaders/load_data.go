package dataloaders

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"lifelong/internal/config"
)

var cifar10Names = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

var digitNames = []string{
	"zero", "one", "two", "three", "four",
	"five", "six", "seven", "eight", "nine",
}

// LoadData returns the train and test splits of cfg.Name plus the class
// attribute matrix selected by cfg.Attributes (nil when there is none).
func LoadData(ctx context.Context, cfg config.DatasetConfig, logger *zap.Logger) (*Dataset, *Dataset, [][]float32, error) {
	opts := ImageOptions{TargetSize: cfg.ImgSize, Preprocess: cfg.Preprocess, Workers: cfg.NumWorkers}

	var (
		train, test *Dataset
		err         error
	)
	switch {
	case cfg.Name == "CUB":
		if train, err = LoadCUB(cfg.Dir, "train", opts, cfg.InMemory); err == nil {
			test, err = LoadCUB(cfg.Dir, "test", opts, cfg.InMemory)
		}
	case cfg.Name == "AWA":
		if train, err = AWA.LoadDataset(cfg.Dir, "train", opts, true); err == nil {
			test, err = AWA.LoadDataset(cfg.Dir, "test", opts, true)
		}
	case cfg.Name == "SUN":
		if train, err = SUN.LoadDataset(cfg.Dir, "train", opts, true); err == nil {
			test, err = SUN.LoadDataset(cfg.Dir, "val", opts, true)
		}
	case cfg.Name == "TinyImageNet":
		if train, err = LoadTinyImageNet(cfg.Dir, "train", opts); err == nil {
			test, err = LoadTinyImageNet(cfg.Dir, "val", opts)
		}
	case cfg.Name == "MNIST":
		if train, err = LoadMNIST(cfg.Dir, "train", cfg.Preprocess); err == nil {
			test, err = LoadMNIST(cfg.Dir, "test", cfg.Preprocess)
		}
	case cfg.Name == "CIFAR10" || cfg.Name == "CIFAR100":
		n, _ := strconv.Atoi(strings.TrimPrefix(cfg.Name, "CIFAR"))
		if train, err = LoadCIFAR(cfg.Dir, "train", n, cfg.Preprocess); err == nil {
			test, err = LoadCIFAR(cfg.Dir, "test", n, cfg.Preprocess)
		}
	case strings.HasSuffix(cfg.Name, "EMBEDDINGS"):
		if train, err = LoadFeats(cfg.Dir, cfg.InputType, "train"); err == nil {
			test, err = LoadFeats(cfg.Dir, cfg.InputType, "test")
		}
	default:
		return nil, nil, nil, errors.Wrapf(ErrUnknownDataset, "%q", cfg.Name)
	}
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "load %s", cfg.Name)
	}

	attrs, err := ResolveAttributes(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("dataset loaded",
		zap.String("name", cfg.Name),
		zap.Int("train", train.Len()),
		zap.Int("test", test.Len()),
		zap.Int("attr_classes", len(attrs)))
	return train, test, attrs, nil
}

// ResolveAttributes builds the class attribute matrix for cfg.
func ResolveAttributes(ctx context.Context, cfg config.DatasetConfig, logger *zap.Logger) ([][]float32, error) {
	var enc ClassEncoder
	switch cfg.Attributes.Source {
	case "", "none":
		return nil, nil
	case "dataset":
		return DatasetAttributes(cfg.Name, cfg.Dir)
	case "hash":
		enc = HashEncoder{Dim: cfg.Attributes.Dim}
	case "text":
		e, err := NewCybertronEncoder(cfg.Attributes.ModelsDir, cfg.Attributes.ModelName, logger)
		if err != nil {
			return nil, err
		}
		enc = e
	default:
		return nil, errors.Errorf("unknown attributes source %q", cfg.Attributes.Source)
	}
	names, err := ClassNames(cfg.Name, cfg.Dir)
	if err != nil {
		return nil, err
	}
	return enc.EncodeClasses(ctx, names)
}

// DatasetAttributes returns the attribute matrix shipped with a dataset, or
// nil for datasets without one.
func DatasetAttributes(name, dir string) ([][]float32, error) {
	switch baseName(name) {
	case "CUB":
		return LoadCUBClassAttributes(dir)
	case "AWA":
		return AWA.LoadClassAttributes(dir)
	case "SUN":
		return SUN.LoadClassAttributes(dir)
	}
	return nil, nil
}

// ClassNames returns human-readable class names in label order.
func ClassNames(name, dir string) ([]string, error) {
	switch baseName(name) {
	case "CUB":
		return CUBClassNames(dir)
	case "AWA":
		return AWA.ClassNames(dir)
	case "SUN":
		return SUN.ClassNames(dir)
	case "TinyImageNet":
		return TinyImageNetClassNames(dir)
	case "MNIST":
		return digitNames, nil
	case "CIFAR10":
		return cifar10Names, nil
	case "CIFAR100":
		for _, p := range []string{"fine_label_names.txt", filepath.Join("cifar-100-binary", "fine_label_names.txt")} {
			if _, err := os.Stat(filepath.Join(dir, p)); err == nil {
				return ReadColumn(filepath.Join(dir, p), 0)
			}
		}
		return nil, errors.New("CIFAR100: fine_label_names.txt not found")
	}
	return nil, errors.Wrapf(ErrUnknownDataset, "no class names for %q", name)
}

func baseName(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, "EMBEDDINGS"), "_")
}
