package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mino",
	Short: "Mino - AI provider gateway with pooled credentials",
	Long: `Mino is an HTTP gateway that proxies AI provider API requests through
a shared pool of credential keys.

It provides:
  - Session-sticky key allocation with per-key concurrency ceilings
  - Automatic retry and failover when upstreams reject a key
  - Per-identity concurrency limits and chat cooldowns
  - A sliding-window spike guard with human verification
  - Streaming response interception for token accounting`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
