package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/server"
	"github.com/gptlab/gptlab/pkg/tokenizer"
)

var playFlags struct {
	modelPath     string
	tokenizerPath string
	addr          string
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Serve the HTTP playground",
	Long: `Play loads a trained model and serves the playground API: live token
streaming over server-sent events on /api/generate, incremental training
on /api/train, model details on /api/status and Prometheus metrics on
/metrics.`,
	RunE: runPlay,
}

func init() {
	playCmd.Flags().StringVarP(&playFlags.modelPath, "model", "m", "model.bin", "trained model path")
	playCmd.Flags().StringVar(&playFlags.tokenizerPath, "tokenizer", "tokenizer.json", "tokenizer path")
	playCmd.Flags().StringVarP(&playFlags.addr, "addr", "a", "", "listen address (overrides config)")
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if playFlags.addr != "" {
		cfg.Server.Addr = playFlags.addr
	}

	m, err := model.Load(playFlags.modelPath)
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(playFlags.tokenizerPath)
	if err != nil {
		return err
	}
	if tok.VocabSize() != m.Config().VocabSize {
		return fmt.Errorf("tokenizer vocab %d does not match model vocab %d",
			tok.VocabSize(), m.Config().VocabSize)
	}

	// Keep the served config consistent with the loaded weights.
	mc := m.Config()
	cfg.Model.VocabSize = mc.VocabSize
	cfg.Model.SeqLen = mc.SeqLen
	cfg.Model.EmbedDim = mc.EmbedDim
	cfg.Model.NumHeads = mc.NumHeads
	cfg.Model.NumLayers = mc.NumLayers
	cfg.Model.FFHidden = mc.FFHidden
	cfg.Model.Dropout = mc.Dropout

	banner()
	return server.New(m, tok, cfg, log).ListenAndServe()
}
