package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsawler/go-demoire/async"
	"github.com/tsawler/go-demoire/checkpoints"
	"github.com/tsawler/go-demoire/config"
	"github.com/tsawler/go-demoire/memory"
	"github.com/tsawler/go-demoire/models"
	"github.com/tsawler/go-demoire/training"
	"github.com/tsawler/go-demoire/vision/dataloader"
	"github.com/tsawler/go-demoire/vision/dataset"
)

// trainShare is the part of the training set kept for training when no
// val_path is configured; the rest validates.
const trainShare = 0.9

func main() {
	configPath := flag.String("config", "", "YAML config file")
	trainPath := flag.String("train-path", "", "training set root")
	valPath := flag.String("val-path", "", "validation set root")
	resume := flag.String("resume", "", "checkpoint to resume from")
	epochs := flag.Int("epochs", 0, "number of epochs")
	maxIter := flag.Int("max-iter", 0, "batches per epoch (0 = unlimited)")
	lr := flag.Float64("lr", 0, "initial learning rate")
	dev := flag.Bool("dev", false, "dev mode: small batches, one worker")
	vis := flag.Bool("vis", true, "stream images and plots to the dashboard")
	device := flag.String("device", "", "compute device (auto, cpu)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	base := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		base = loaded
	}

	// Only flags given on the command line override the file.
	var overrides []config.Override
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train-path":
			overrides = append(overrides, func(c *config.Config) { c.TrainPath = *trainPath })
		case "val-path":
			overrides = append(overrides, func(c *config.Config) { c.ValPath = *valPath })
		case "resume":
			overrides = append(overrides, func(c *config.Config) { c.ResumePath = *resume })
		case "epochs":
			overrides = append(overrides, func(c *config.Config) { c.MaxEpoch = *epochs })
		case "max-iter":
			overrides = append(overrides, func(c *config.Config) { c.MaxIter = *maxIter })
		case "lr":
			overrides = append(overrides, func(c *config.Config) { c.LR = *lr })
		case "dev":
			overrides = append(overrides, func(c *config.Config) { c.Dev = *dev })
		case "vis":
			overrides = append(overrides, func(c *config.Config) { c.Vis = *vis })
		case "device":
			overrides = append(overrides, func(c *config.Config) { c.Device = *device })
		}
	})

	cfg, err := config.New(base, overrides...)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("Training failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dev, err := memory.SelectDevice(cfg.Device)
	if err != nil {
		return err
	}
	logger.Info("device selected", "device", dev.String())

	model, err := models.NewDnCNN(models.DnCNNConfig{
		Channels: 3,
		Features: cfg.ModelFeatures,
		Depth:    cfg.ModelDepth,
		Seed:     cfg.Seed,
	}, dev.Manager())
	if err != nil {
		return err
	}

	opt, err := training.NewAdam(model.Parameters(), training.AdamConfig{
		LR:          cfg.LR,
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		WeightDecay: cfg.WeightDecay,
	})
	if err != nil {
		return err
	}

	criterion, err := training.NewLoss(cfg.Loss, cfg.LossAlpha)
	if err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return err
	}
	ckpt := training.NewCheckpointManager(model, opt, training.CheckpointConfig{
		Prefix:        cfg.SavePrefix,
		ModelName:     cfg.ModelName,
		SaveFrequency: cfg.SaveEvery,
		Format:        format,
	}, logger)

	var trainVis, valVis training.Visualizer = training.NopVisualizer{}, training.NopVisualizer{}
	var summary *training.PlottingService
	if cfg.Vis {
		psCfg := training.DefaultPlottingServiceConfig()
		psCfg.BaseURL = cfg.VisURL
		psCfg.Env = cfg.Env
		summary = training.NewPlottingService(psCfg)
		if err := summary.CheckHealth(); err != nil {
			logger.Warn("dashboard not reachable, continuing", "url", cfg.VisURL, "error", err.Error())
		}
		trainVis = training.NewBestEffort(summary, logger)
		valVis = training.NewBestEffort(summary.WithEnv(cfg.Env+"_val"), logger)
	}

	trainSet, valSet, err := openDatasets(cfg)
	if err != nil {
		return err
	}
	logger.Info("datasets ready", "train", trainSet.String(), "val", valSet.String())

	workers := cfg.EffectiveWorkers()
	if !cfg.Dev && workers > dev.DefaultWorkers() {
		workers = dev.DefaultWorkers()
	}
	trainLoader, valLoader := dataloader.CreateSharedDataLoaders(trainSet, valSet,
		dataloader.Config{
			BatchSize:    cfg.EffectiveTrainBatch(),
			Shuffle:      cfg.Shuffle,
			DropLast:     true,
			Seed:         cfg.Seed,
			ImageSize:    cfg.ImageSize,
			NumWorkers:   workers,
			MaxCacheSize: cfg.CacheSize,
		},
		dataloader.Config{
			BatchSize:  cfg.EffectiveValBatch(),
			ImageSize:  cfg.ImageSize,
			NumWorkers: workers,
		})

	var trainSource, valSource training.BatchSource = trainLoader, valLoader
	if cfg.Prefetch > 0 {
		tp := async.NewPrefetcher(trainLoader, cfg.Prefetch)
		defer tp.Close()
		vp := async.NewPrefetcher(valLoader, cfg.Prefetch)
		defer vp.Close()
		trainSource, valSource = tp, vp
	}

	var progress io.Writer
	if cfg.Progress {
		progress = os.Stderr
	}
	training.PrintArchitecture(os.Stderr, cfg.ModelName, model)

	trainer := training.NewTrainer(model, opt, criterion, training.TrainingConfig{
		Epochs:            cfg.MaxEpoch,
		MaxIter:           cfg.MaxIter,
		AccumulationSteps: cfg.AccumulationSteps,
		PlotEvery:         cfg.PlotEvery,
		LRDecay:           cfg.LRDecay,
		ResumePath:        cfg.ResumePath,
		LossLogPath:       training.LossLogPath(cfg.SavePrefix),
		Progress:          progress,
	}).
		WithLogger(logger).
		WithCheckpoints(ckpt).
		WithVisualizer(trainVis).
		WithEvaluator(training.NewEvaluator(criterion, training.EvaluationConfig{
			PlotEvery:  cfg.ValPlotEvery,
			ShowImages: cfg.ValShowImages,
		}, dev, valVis, logger))
	if summary != nil {
		trainer.WithSummaryPlots(summary)
	}

	if err := trainer.Run(ctx, trainSource, valSource); err != nil {
		return err
	}
	logger.Info("training complete", "epochs", len(trainer.History()), "cache", trainLoader.Stats())
	return nil
}

// openDatasets opens the training set and either the configured validation
// set or a seeded holdout split of the training set.
func openDatasets(cfg config.Config) (*dataset.PairedImageDataset, *dataset.PairedImageDataset, error) {
	train, err := dataset.NewPairedImageDataset(cfg.TrainPath, nil)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ValPath == "" {
		tr, val := train.Split(trainShare, rand.New(rand.NewSource(cfg.Seed)))
		return tr, val, nil
	}
	val, err := dataset.NewPairedImageDataset(cfg.ValPath, nil)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
