package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vkbot",
	Short: "vkbot is a command dispatch framework for community and user chat bots",
	Long: `vkbot receives events through long-poll sessions (or the callback API),
turns messages into commands with typed arguments and filters, and fans
every event out to the installed packages concurrently.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(versionCmd)
}
