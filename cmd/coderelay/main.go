package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderelay/internal/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "coderelay",
	Short: "coderelay - run submitted programs and stream their output",
	Long: `coderelay accepts one program per TCP connection, runs it with a fixed
interpreter in a throwaway workspace, and streams every line the program
prints back over the same connection.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./coderelay.yaml or $HOME/.coderelay/coderelay.yaml)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
