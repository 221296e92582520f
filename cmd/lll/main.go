// Command lll trains a classifier on a sequence of class-incremental tasks.
//
//	lll train   -config experiment.yaml
//	lll extract -config experiment.yaml -out data/CUB_feats
//	lll runs    -db results.db -experiment agem-cub
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lifelong/internal/config"
	"lifelong/internal/dataloaders"
	"lifelong/internal/metrics"
	"lifelong/internal/models"
	"lifelong/internal/results"
	"lifelong/internal/trainers"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(os.Args[2:])
	case "extract":
		err = runExtract(os.Args[2:])
	case "runs":
		err = runList(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: lll <command> [flags]

Commands:
  train     train all tasks and report the accuracy matrix
  extract   cache ResNet features of an image dataset as .npy
  runs      list stored run summaries`)
}

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	if err := train(context.Background(), cfg, logger); err != nil {
		logger.Error("training failed", zap.Error(err))
		return err
	}
	return nil
}

func train(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	start := time.Now()

	ds, dsTest, attrs, err := dataloaders.LoadData(ctx, cfg.Dataset, logger)
	if err != nil {
		return err
	}
	inputShape, err := ds.InputShape()
	if err != nil {
		return err
	}
	model, err := models.Build(cfg.Model, inputShape, cfg.LLLSetup.NumClasses, attrs)
	if err != nil {
		return err
	}
	logger.Info("model built",
		zap.String("type", cfg.Model.Type),
		zap.Ints("input_shape", inputShape),
		zap.Int("trainable", model.Params().NumTrainable()))

	var rec *metrics.Recorder
	if cfg.Metrics.Textfile != "" {
		rec = metrics.NewRecorder("lll", logger)
	}

	lll, err := trainers.NewLLLTrainer(cfg, model, ds, dsTest, logger, rec)
	if err != nil {
		return err
	}
	if err := lll.Start(); err != nil {
		return err
	}
	summary, err := lll.Summary()
	if err != nil {
		return err
	}
	printAccuracyMatrix(summary)

	if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		return err
	}
	if cfg.Results.DB != "" {
		store, err := results.Open(cfg.Results.DB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		run := results.FromSummary(cfg.Results.Experiment, cfg.Dataset.Name, cfg.Trainer, cfg.Seed, summary)
		if err := store.SaveRun(ctx, run); err != nil {
			return err
		}
	}
	logger.Info("done", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func printAccuracyMatrix(s trainers.Summary) {
	fmt.Println("\n=== Accuracy (row: after task, col: task) ===")
	for _, i := range s.TrainedTasks {
		fmt.Printf("%3d |", i)
		for _, j := range s.TrainedTasks {
			if j > i {
				break
			}
			fmt.Printf(" %.3f", s.Acc[i][j])
		}
		fmt.Println()
	}
	fmt.Printf("Average accuracy: %.4f | Forgetting: %.4f | Task %d max|Δprob|: %.6f\n",
		s.AverageAccuracy, s.Forgetting, firstTask(s), s.FirstTaskDrift)
}

func firstTask(s trainers.Summary) int {
	if len(s.TrainedTasks) == 0 {
		return -1
	}
	return s.TrainedTasks[0]
}

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	outDir := fs.String("out", "", "Directory for the .npy feature cache")
	batchSize := fs.Int("batch-size", 64, "Images per forward pass")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	if err := extract(context.Background(), cfg, *outDir, *batchSize, logger); err != nil {
		logger.Error("feature extraction failed", zap.Error(err))
		return err
	}
	return nil
}

func extract(ctx context.Context, cfg *config.Config, outDir string, batchSize int, logger *zap.Logger) error {
	if outDir == "" {
		outDir = cfg.Dataset.Dir
	}
	dsCfg := cfg.Dataset
	dsCfg.Attributes.Source = "none"
	ds, dsTest, _, err := dataloaders.LoadData(ctx, dsCfg, logger)
	if err != nil {
		return err
	}

	ps := models.NewParamSet()
	embedder, err := models.NewResnetEmbedder(ps, "", cfg.Model.ResnetNLayers)
	if err != nil {
		return err
	}
	n, err := models.LoadPretrained(ps, cfg.Model.PretrainedPath, "resnet.")
	if err != nil {
		return err
	}
	logger.Info("pretrained weights loaded", zap.Int("params", n), zap.String("path", cfg.Model.PretrainedPath))

	for _, split := range []struct {
		name string
		ds   *dataloaders.Dataset
	}{{"train", ds}, {"test", dsTest}} {
		feats, err := dataloaders.ExtractFeatures(split.ds, embedder, batchSize, cfg.Dataset.NumWorkers)
		if err != nil {
			return err
		}
		if err := dataloaders.SaveFeats(feats, outDir, cfg.Model.ResnetNLayers, split.name); err != nil {
			return err
		}
		logger.Info("features saved", zap.String("split", split.name), zap.Int("samples", feats.Len()), zap.String("dir", outDir))
	}
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "results.db", "Path to the results database")
	experiment := fs.String("experiment", "", "Only runs of this experiment")
	fs.Parse(args)

	logger := initLogger(config.LogConfig{Level: "warn", Format: "console"})
	defer logger.Sync()

	store, err := results.Open(*dbPath, logger)
	if err != nil {
		logger.Error("open results", zap.Error(err))
		return err
	}
	defer store.Close()
	runs, err := store.Runs(context.Background(), *experiment)
	if err != nil {
		logger.Error("list runs", zap.Error(err))
		return err
	}
	for _, r := range runs {
		fmt.Printf("%4d %-20s %-16s %-6s tasks=%-3d avg_acc=%.4f forgetting=%.4f %s\n",
			r.ID, r.Experiment, r.Dataset, r.Trainer, r.NumTasks, r.AverageAccuracy, r.Forgetting,
			r.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// initLogger builds a console logger for interactive runs and JSON
// otherwise. Unknown levels mean info.
func initLogger(cfg config.LogConfig) *zap.Logger {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
