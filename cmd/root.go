// Package cmd defines the CLI commands for the feedhound executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedhound",
		Short: "Continuous feed ingestion and extraction pipeline",
		Long: `feedhound watches a catalog of RSS/Atom feeds, detects new entries
exactly once, and queues them for content extraction. It runs as a
long-lived service with a read-only stats and health HTTP surface.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is feedhound.yaml in the working directory)")

	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
