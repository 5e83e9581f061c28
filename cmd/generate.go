package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gptlab/gptlab/pkg/model"
	"github.com/gptlab/gptlab/pkg/sample"
	"github.com/gptlab/gptlab/pkg/tokenizer"
)

var generateFlags struct {
	modelPath     string
	tokenizerPath string
	prompt        string
	tokens        int
	temperature   float64
	topK          int
	topP          float64
	seed          int64
	interactive   bool
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate text from a trained model",
	Long: `Generate loads a trained model and samples a continuation of the
prompt, streaming tokens to stdout as they are produced. With
--interactive it drops into a prompt loop where sampling settings can be
changed between generations with slash commands.`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&generateFlags.modelPath, "model", "m", "model.bin", "trained model path")
	generateCmd.Flags().StringVar(&generateFlags.tokenizerPath, "tokenizer", "tokenizer.json", "tokenizer path")
	generateCmd.Flags().StringVarP(&generateFlags.prompt, "prompt", "p", "", "prompt text")
	generateCmd.Flags().IntVarP(&generateFlags.tokens, "tokens", "n", 256, "maximum new tokens")
	generateCmd.Flags().Float64VarP(&generateFlags.temperature, "temperature", "t", 0.8, "sampling temperature (0 = greedy)")
	generateCmd.Flags().IntVar(&generateFlags.topK, "top-k", 40, "keep only the k most likely tokens (0 = all)")
	generateCmd.Flags().Float64Var(&generateFlags.topP, "top-p", 0.9, "nucleus sampling threshold (1 = off)")
	generateCmd.Flags().Int64Var(&generateFlags.seed, "seed", 0, "sampling seed (0 = time-based)")
	generateCmd.Flags().BoolVarP(&generateFlags.interactive, "interactive", "i", false, "interactive prompt loop")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	m, err := model.Load(generateFlags.modelPath)
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(generateFlags.tokenizerPath)
	if err != nil {
		return err
	}
	if tok.VocabSize() != m.Config().VocabSize {
		return fmt.Errorf("tokenizer vocab %d does not match model vocab %d",
			tok.VocabSize(), m.Config().VocabSize)
	}

	cfg := sample.Config{
		Temperature: generateFlags.temperature,
		TopK:        generateFlags.topK,
		TopP:        generateFlags.topP,
		Seed:        generateFlags.seed,
	}

	if generateFlags.interactive {
		return interactiveLoop(m, tok, cfg)
	}
	if generateFlags.prompt == "" {
		return fmt.Errorf("either --prompt or --interactive is required")
	}
	generateOnce(m, tok, cfg, generateFlags.prompt, generateFlags.tokens)
	return nil
}

// generateOnce streams one completion to stdout.
func generateOnce(m *model.GPT, tok tokenizer.Tokenizer, cfg sample.Config, prompt string, maxTokens int) {
	ids := tok.Encode(prompt)
	seqLen := m.Config().SeqLen
	if len(ids) > seqLen {
		ids = ids[len(ids)-seqLen:]
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "prompt tokenizes to nothing")
		return
	}

	sampler := sample.New(cfg)
	fmt.Print(prompt)
	m.GenerateStream(ids, maxTokens, sampler.Next, func(token int) bool {
		fmt.Print(tok.Decode([]int{token}))
		return true
	})
	fmt.Println()
}

func interactiveLoop(m *model.GPT, tok tokenizer.Tokenizer, cfg sample.Config) error {
	maxTokens := generateFlags.tokens
	banner()
	fmt.Println("Type a prompt, or /help for commands. Ctrl-D exits.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		color.New(color.FgGreen).Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := replCommand(line, &cfg, &maxTokens); quit {
				return nil
			}
			continue
		}
		generateOnce(m, tok, cfg, line, maxTokens)
	}
}

// replCommand handles one slash command and reports whether to exit.
func replCommand(line string, cfg *sample.Config, maxTokens *int) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(`Commands:
  /temp <f>    set temperature (0 = greedy)
  /topk <n>    set top-k (0 = disabled)
  /topp <f>    set top-p (1 = disabled)
  /tokens <n>  set maximum new tokens
  /config      show current settings
  /quit        exit`)
	case "/temp":
		if f, err := strconv.ParseFloat(arg, 64); err == nil && f >= 0 {
			cfg.Temperature = f
		} else {
			color.Yellow("usage: /temp <non-negative float>")
		}
	case "/topk":
		if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
			cfg.TopK = n
		} else {
			color.Yellow("usage: /topk <non-negative int>")
		}
	case "/topp":
		if f, err := strconv.ParseFloat(arg, 64); err == nil && f >= 0 && f <= 1 {
			cfg.TopP = f
		} else {
			color.Yellow("usage: /topp <float in [0,1]>")
		}
	case "/tokens":
		if n, err := strconv.Atoi(arg); err == nil && n > 0 {
			*maxTokens = n
		} else {
			color.Yellow("usage: /tokens <positive int>")
		}
	case "/config":
		fmt.Printf("temperature=%g top_k=%d top_p=%g tokens=%d\n",
			cfg.Temperature, cfg.TopK, cfg.TopP, *maxTokens)
	default:
		color.Yellow("unknown command %s (try /help)", cmd)
	}
	return false
}
