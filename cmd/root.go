// Package cmd implements the gptlab command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gptlab/gptlab/pkg/config"
)

var (
	cfgFile string
	verbose bool
	silent  bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "gptlab",
	Short: "A transformer language model playground",
	Long: `gptlab trains small GPT-style language models from scratch on plain
text and generates from them, entirely on the CPU. It exists to make the
moving parts of a transformer visible: every matrix multiply, gradient and
sampling decision happens in readable Go.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		switch {
		case silent:
			log.SetLevel(logrus.ErrorLevel)
		case verbose:
			log.SetLevel(logrus.DebugLevel)
		default:
			log.SetLevel(logrus.InfoLevel)
		}
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "only log errors")
}

// loadConfig returns the file config when --config was given, otherwise
// the defaults.
func loadConfig() (config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	log.WithField("path", cfgFile).Debug("loaded config file")
	return cfg, nil
}

func banner() {
	color.New(color.FgCyan, color.Bold).Println("gptlab")
}
