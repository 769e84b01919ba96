package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/config"
)

var version = "0.1.0"

var (
	cfgFile    string
	flagRegion string
	flagDryRun bool
)

var rootCmd = &cobra.Command{
	Use:   "jarru",
	Short: "Cost Guardrails Engine",
	Long: `Jarru - Cost Guardrails Engine

Jarru turns cost events into bounded, reversible IAM guardrails.
Budget alerts and anomaly reports are matched against policy files;
a match attaches deny policies to the responsible principals, every
attachment carries a TTL, and the sweep rolls it back automatically.

No standing permissions are changed. Everything jarru does is
recorded in the audit ledger and can be undone with one command.`,
	Version: version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Jarru {{.Version}} - Cost Guardrails Engine
`)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagRegion, "region", "", "AWS region override")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Force dry_run mode on every matched policy")
}

// loadMergedConfig loads the config file and applies flag overrides
func loadMergedConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if flagRegion != "" {
		cfg.Region = flagRegion
	}
	if flagDryRun {
		cfg.DryRun = true
	}
	return cfg, nil
}
