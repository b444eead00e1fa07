package config

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config captures the runtime knobs for a training run.
type Config struct {
	Device    string `yaml:"device"`
	TrainPath string `yaml:"train_path"`
	ValPath   string `yaml:"val_path"`
	// SavePrefix is prepended to checkpoint and loss log names.
	SavePrefix string `yaml:"save_prefix"`
	ModelName  string `yaml:"model_name"`

	// Dev swaps in the small dev batch size and a single worker.
	Dev            bool  `yaml:"dev"`
	TrainBatchSize int   `yaml:"train_batch_size"`
	ValBatchSize   int   `yaml:"val_batch_size"`
	DevBatchSize   int   `yaml:"dev_batch_size"`
	NumWorkers     int   `yaml:"num_workers"`
	Prefetch       int   `yaml:"prefetch"`
	ImageSize      int   `yaml:"image_size"`
	CacheSize      int   `yaml:"cache_size"`
	Shuffle        bool  `yaml:"shuffle"`
	Seed           int64 `yaml:"seed"`

	MaxEpoch          int     `yaml:"max_epoch"`
	MaxIter           int     `yaml:"max_iter"`
	LR                float64 `yaml:"lr"`
	LRDecay           float64 `yaml:"lr_decay"`
	Beta1             float64 `yaml:"beta1"`
	Beta2             float64 `yaml:"beta2"`
	WeightDecay       float64 `yaml:"weight_decay"`
	AccumulationSteps int     `yaml:"accumulation_steps"`
	Loss              string  `yaml:"loss"`
	LossAlpha         float64 `yaml:"loss_alpha"`

	ModelDepth    int `yaml:"model_depth"`
	ModelFeatures int `yaml:"model_features"`

	Vis           bool   `yaml:"vis"`
	Env           string `yaml:"env"`
	VisURL        string `yaml:"vis_url"`
	PlotEvery     int    `yaml:"plot_every"`
	ValPlotEvery  int    `yaml:"val_plot_every"`
	ValShowImages bool   `yaml:"val_show_images"`
	Progress      bool   `yaml:"progress"`

	SaveEvery        int    `yaml:"save_every"`
	CheckpointFormat string `yaml:"checkpoint_format"`
	ResumePath       string `yaml:"resume_path"`
}

// Default returns the stock demoire recipe.
func Default() Config {
	return Config{
		Device:     "auto",
		TrainPath:  "./data/train",
		ValPath:    "./data/test",
		SavePrefix: "./results/",
		ModelName:  "DnCNN",

		TrainBatchSize: 32,
		ValBatchSize:   32,
		DevBatchSize:   4,
		NumWorkers:     4,
		Prefetch:       2,
		ImageSize:      256,
		CacheSize:      0,
		Shuffle:        true,
		Seed:           1,

		MaxEpoch:          200,
		MaxIter:           1000,
		LR:                1e-4,
		LRDecay:           0.3,
		Beta1:             0.5,
		Beta2:             0.999,
		WeightDecay:       1e-5,
		AccumulationSteps: 1,
		Loss:              "weighted",
		LossAlpha:         0.5,

		ModelDepth:    17,
		ModelFeatures: 64,

		Vis:           true,
		Env:           "demoire",
		VisURL:        "http://localhost:8080",
		PlotEvery:     100,
		ValPlotEvery:  10,
		ValShowImages: false,
		Progress:      true,

		SaveEvery:        5,
		CheckpointFormat: "proto",
	}
}

// Override mutates a config before validation.
type Override func(*Config)

// New applies overrides to base in order and validates the result.
func New(base Config, overrides ...Override) (Config, error) {
	cfg := base
	for _, o := range overrides {
		if o != nil {
			o(&cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads a YAML file over Default. Keys not present keep their default;
// unknown keys are rejected. The result is not validated.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "parse config: %v", err)
	}
	return cfg, nil
}

// Validate verifies the config is runnable.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.TrainPath != "", "train_path must be set")
	check(c.ModelName != "", "model_name must be set")
	check(c.TrainBatchSize > 0, "train_batch_size must be > 0")
	check(c.ValBatchSize > 0, "val_batch_size must be > 0")
	check(!c.Dev || c.DevBatchSize > 0, "dev_batch_size must be > 0 in dev mode")
	check(c.NumWorkers > 0, "num_workers must be > 0")
	check(c.Prefetch >= 0, "prefetch must be >= 0")
	check(c.ImageSize >= 0, "image_size must be >= 0")
	check(c.CacheSize >= 0, "cache_size must be >= 0")
	check(c.MaxEpoch > 0, "max_epoch must be > 0")
	check(c.MaxIter >= 0, "max_iter must be >= 0")
	check(c.LR > 0, "lr must be > 0")
	check(c.LRDecay > 0 && c.LRDecay < 1, "lr_decay must be in (0, 1)")
	check(c.Beta1 >= 0 && c.Beta1 < 1, "beta1 must be in [0, 1)")
	check(c.Beta2 >= 0 && c.Beta2 < 1, "beta2 must be in [0, 1)")
	check(c.WeightDecay >= 0, "weight_decay must be >= 0")
	check(c.AccumulationSteps > 0, "accumulation_steps must be > 0")
	check(c.LossAlpha >= 0 && c.LossAlpha <= 1, "loss_alpha must be in [0, 1]")
	check(c.ModelDepth >= 2, "model_depth must be >= 2")
	check(c.ModelFeatures > 0, "model_features must be > 0")
	check(c.PlotEvery >= 0 && c.ValPlotEvery >= 0, "plot intervals must be >= 0")
	check(c.SaveEvery > 0, "save_every must be > 0")
	check(!c.Vis || c.VisURL != "", "vis_url must be set when vis is enabled")
	switch strings.ToLower(c.CheckpointFormat) {
	case "proto", "protobuf", "json":
	default:
		problems = append(problems, "checkpoint_format must be proto or json")
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveTrainBatch is the training batch size after dev mode.
func (c Config) EffectiveTrainBatch() int {
	if c.Dev {
		return c.DevBatchSize
	}
	return c.TrainBatchSize
}

// EffectiveValBatch is the validation batch size after dev mode.
func (c Config) EffectiveValBatch() int {
	if c.Dev {
		return c.DevBatchSize
	}
	return c.ValBatchSize
}

// EffectiveWorkers is the loader worker count after dev mode.
func (c Config) EffectiveWorkers() int {
	if c.Dev {
		return 1
	}
	return c.NumWorkers
}

// String renders the config as YAML for the run log.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
