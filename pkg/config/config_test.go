package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gptlab/gptlab/pkg/train"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
model:
  embed_dim: 64
  num_heads: 8
training:
  epochs: 3
sampling:
  temperature: 0.5
server:
  addr: ":9999"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Model.EmbedDim != 64 || cfg.Model.NumHeads != 8 {
		t.Fatalf("model overrides not applied: %+v", cfg.Model)
	}
	if cfg.Training.Epochs != 3 {
		t.Fatalf("training override not applied: %d", cfg.Training.Epochs)
	}
	if cfg.Sampling.Temperature != 0.5 {
		t.Fatalf("sampling override not applied: %v", cfg.Sampling.Temperature)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("server override not applied: %q", cfg.Server.Addr)
	}

	// Untouched fields keep their defaults.
	def := Default()
	if cfg.Model.SeqLen != def.Model.SeqLen {
		t.Fatal("unset field lost its default")
	}
	if cfg.Training.LearningRate != def.Training.LearningRate {
		t.Fatal("unset learning rate lost its default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Training.Optimizer = "rmsprop"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown optimizer")
	}

	cfg = Default()
	cfg.Model.NumHeads = 7
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when heads do not divide embedding dim")
	}

	cfg = Default()
	cfg.Server.MaxNewTokens = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_new_tokens")
	}
}

func TestOptimizerSelection(t *testing.T) {
	cfg := Default()
	cfg.Training.Optimizer = "sgd"
	if _, ok := cfg.Optimizer().(*train.SGD); !ok {
		t.Fatalf("optimizer = %T, want *train.SGD", cfg.Optimizer())
	}
	cfg.Training.Optimizer = "adam"
	if _, ok := cfg.Optimizer().(*train.Adam); !ok {
		t.Fatalf("optimizer = %T, want *train.Adam", cfg.Optimizer())
	}
}

func TestModelConfigConversion(t *testing.T) {
	cfg := Default()
	mc := cfg.ModelConfig()
	if mc.VocabSize != cfg.Model.VocabSize || mc.SeqLen != cfg.Model.SeqLen ||
		mc.EmbedDim != cfg.Model.EmbedDim || mc.FFHidden != cfg.Model.FFHidden {
		t.Fatalf("conversion mismatch: %+v vs %+v", mc, cfg.Model)
	}
}
