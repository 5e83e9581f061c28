// Package config loads playground settings from a YAML file, layering the
// file's values over built-in defaults so partial configs work.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/sample"
	"github.com/gptlab/gptlab/pkg/train"
)

// Config is the top-level playground configuration.
type Config struct {
	Model    Model         `yaml:"model"`
	Training Training      `yaml:"training"`
	Sampling sample.Config `yaml:"sampling"`
	Server   Server        `yaml:"server"`
}

// Model mirrors model.Config with YAML tags.
type Model struct {
	VocabSize int     `yaml:"vocab_size"`
	SeqLen    int     `yaml:"seq_len"`
	EmbedDim  int     `yaml:"embed_dim"`
	NumHeads  int     `yaml:"num_heads"`
	NumLayers int     `yaml:"num_layers"`
	FFHidden  int     `yaml:"ff_hidden"`
	Dropout   float64 `yaml:"dropout"`
}

// Training selects the optimizer and its hyperparameters.
type Training struct {
	Optimizer    string  `yaml:"optimizer"` // "adam" or "sgd"
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	MinLR        float64 `yaml:"min_lr"`
	WarmupSteps  int     `yaml:"warmup_steps"`
	WeightDecay  float64 `yaml:"weight_decay"`
	ClipNorm     float64 `yaml:"clip_norm"`
	ValFraction  float64 `yaml:"val_fraction"`
	Seed         int64   `yaml:"seed"`
	LogEvery     int     `yaml:"log_every"`
	EvalEvery    int     `yaml:"eval_every"`
}

// Server configures the HTTP playground.
type Server struct {
	Addr         string `yaml:"addr"`
	MaxNewTokens int    `yaml:"max_new_tokens"`
}

// Default returns the built-in configuration.
func Default() Config {
	mc := model.DefaultConfig()
	to := train.DefaultOptions()
	return Config{
		Model: Model{
			VocabSize: mc.VocabSize,
			SeqLen:    mc.SeqLen,
			EmbedDim:  mc.EmbedDim,
			NumHeads:  mc.NumHeads,
			NumLayers: mc.NumLayers,
			FFHidden:  mc.FFHidden,
			Dropout:   mc.Dropout,
		},
		Training: Training{
			Optimizer:    "adam",
			Epochs:       to.Epochs,
			LearningRate: to.LearningRate,
			MinLR:        to.MinLR,
			WarmupSteps:  to.WarmupSteps,
			WeightDecay:  to.WeightDecay,
			ClipNorm:     to.ClipNorm,
			ValFraction:  to.ValFraction,
			Seed:         to.Seed,
			LogEvery:     to.LogEvery,
			EvalEvery:    to.EvalEvery,
		},
		Sampling: sample.DefaultConfig(),
		Server: Server{
			Addr:         ":8090",
			MaxNewTokens: 256,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path error is
// returned as-is so callers can fall back to Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c Config) Validate() error {
	if err := c.ModelConfig().Validate(); err != nil {
		return err
	}
	switch c.Training.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("config: unknown optimizer %q", c.Training.Optimizer)
	}
	if c.Training.Epochs < 1 {
		return fmt.Errorf("config: epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("config: learning rate must be positive, got %g", c.Training.LearningRate)
	}
	if c.Server.MaxNewTokens < 1 {
		return fmt.Errorf("config: max_new_tokens must be positive, got %d", c.Server.MaxNewTokens)
	}
	return nil
}

// ModelConfig converts to the model package's config type.
func (c Config) ModelConfig() model.Config {
	return model.Config{
		VocabSize: c.Model.VocabSize,
		SeqLen:    c.Model.SeqLen,
		EmbedDim:  c.Model.EmbedDim,
		NumHeads:  c.Model.NumHeads,
		NumLayers: c.Model.NumLayers,
		FFHidden:  c.Model.FFHidden,
		Dropout:   c.Model.Dropout,
	}
}

// TrainOptions converts to the train package's options type.
func (c Config) TrainOptions() train.Options {
	return train.Options{
		Epochs:       c.Training.Epochs,
		LearningRate: c.Training.LearningRate,
		MinLR:        c.Training.MinLR,
		WarmupSteps:  c.Training.WarmupSteps,
		WeightDecay:  c.Training.WeightDecay,
		ClipNorm:     c.Training.ClipNorm,
		ValFraction:  c.Training.ValFraction,
		Seed:         c.Training.Seed,
		LogEvery:     c.Training.LogEvery,
		EvalEvery:    c.Training.EvalEvery,
	}
}

// Optimizer builds the configured optimizer.
func (c Config) Optimizer() train.Optimizer {
	if c.Training.Optimizer == "sgd" {
		return train.NewSGD(c.Training.WeightDecay)
	}
	return train.NewAdam(c.Training.WeightDecay)
}
