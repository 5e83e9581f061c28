package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/tensor"
	"github.com/gptlab/gptlab/pkg/tokenizer"
	"github.com/gptlab/gptlab/pkg/train"
)

var trainFlags struct {
	data          string
	modelOut      string
	tokenizerOut  string
	tokenizerKind string
	vocabSize     int
	epochs        int
	seqLen        int
	lr            float64
	deterministic bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model on a text corpus",
	Long: `Train builds a tokenizer from the corpus, trains a fresh model on it
and writes both to disk. The corpus may be a single text file or a
directory of .txt/.md files.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainFlags.data, "data", "d", "", "corpus file or directory (required)")
	trainCmd.Flags().StringVarP(&trainFlags.modelOut, "out", "o", "model.bin", "output model path")
	trainCmd.Flags().StringVar(&trainFlags.tokenizerOut, "tokenizer-out", "tokenizer.json", "output tokenizer path")
	trainCmd.Flags().StringVar(&trainFlags.tokenizerKind, "tokenizer", "char", "tokenizer kind: char or bpe")
	trainCmd.Flags().IntVar(&trainFlags.vocabSize, "vocab", 512, "target vocabulary size for bpe")
	trainCmd.Flags().IntVar(&trainFlags.epochs, "epochs", 0, "override configured epoch count")
	trainCmd.Flags().IntVar(&trainFlags.seqLen, "seq-len", 0, "override configured sequence length")
	trainCmd.Flags().Float64Var(&trainFlags.lr, "lr", 0, "override configured learning rate")
	trainCmd.Flags().BoolVar(&trainFlags.deterministic, "deterministic", false, "run single-threaded for reproducible results")
	_ = trainCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if trainFlags.epochs > 0 {
		cfg.Training.Epochs = trainFlags.epochs
	}
	if trainFlags.seqLen > 0 {
		cfg.Model.SeqLen = trainFlags.seqLen
	}
	if trainFlags.lr > 0 {
		cfg.Training.LearningRate = trainFlags.lr
	}
	if trainFlags.deterministic {
		tensor.SetGlobalComputeConfig(tensor.SingleThreadedConfig())
	}

	banner()
	corpus, err := train.LoadCorpus(trainFlags.data)
	if err != nil {
		return err
	}
	log.WithField("chars", len(corpus)).Info("loaded corpus")

	var tok tokenizer.Tokenizer
	switch trainFlags.tokenizerKind {
	case "char":
		tok = tokenizer.NewChar(corpus)
	case "bpe":
		tok, err = tokenizer.TrainBPE(corpus, trainFlags.vocabSize)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown tokenizer kind %q", trainFlags.tokenizerKind)
	}
	log.WithFields(map[string]any{
		"kind":  trainFlags.tokenizerKind,
		"vocab": tok.VocabSize(),
	}).Info("built tokenizer")

	cfg.Model.VocabSize = tok.VocabSize()
	if err := cfg.ModelConfig().Validate(); err != nil {
		return err
	}
	m := model.New(cfg.ModelConfig(), cfg.Training.Seed)
	log.WithField("params", m.NumParameters()).Info("initialized model")

	trainer := train.New(m, cfg.Optimizer(), cfg.TrainOptions(), log)
	result, err := trainer.Run(cmd.Context(), tok.Encode(corpus), cfg.Model.SeqLen)
	if err != nil {
		return err
	}

	if err := m.Save(trainFlags.modelOut); err != nil {
		return err
	}
	if err := tok.Save(trainFlags.tokenizerOut); err != nil {
		return err
	}

	color.Green("Training finished: %d steps, final loss %.4f, val loss %.4f (%s)",
		result.Steps, result.FinalLoss, result.ValLoss, result.Elapsed.Round(time.Second))
	color.Green("Model written to %s, tokenizer to %s", trainFlags.modelOut, trainFlags.tokenizerOut)
	return nil
}
