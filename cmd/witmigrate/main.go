// witmigrate migrates a hierarchical work-item set from a source
// tracking system into an Azure DevOps style target, preserving
// structure, links, attachments, comments, and lifecycle state. Runs
// are idempotent: re-running against a partially migrated target
// synchronizes instead of duplicating.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "witmigrate",
	Short: "Migrate hierarchical work items between tracking systems",
	Long: `witmigrate copies epics, features, stories, defects, tasks, and test
cases from a source tracking system into an Azure DevOps style target.
Parent/child structure, test-case links, attachments, comments, and
lifecycle state are preserved. Every item is tagged with its source id,
so re-running synchronizes already-migrated items instead of creating
duplicates.`,
	SilenceUsage: true,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./witmigrate.yaml)")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
