package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerline-systems/ledgerline/internal/config"
)

var (
	cfgFile      string
	outputFormat string
	cfg          *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ledgerline",
	Short: "Event store and projection engine",
	Long: `ledgerline is the operational CLI for the ledgerline event store.

Run projection workers, rebuild read models with zero-downtime shadow
replays, manage snapshots and checkpoints, and seed demo data.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json, yaml")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
	}
}
