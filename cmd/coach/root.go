package main

import (
	"github.com/spf13/cobra"

	"coach/internal/version"
)

var (
	// formatFlag selects json or human output for command results.
	formatFlag string
	// dirFlag is the workspace root holding .coach/.
	dirFlag string
)

var rootCmd = &cobra.Command{
	Use:   "coach",
	Short: "Coach - sales call rubric analysis",
	Long: `Coach scores recorded sales calls against a versioned coaching rubric,
caches each analysis by transcript content, reconciles manager reviews
against the AI's scores, and keeps an append-only audit trail of every
rubric change.`,
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("coach version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "json", "Output format (json, human)")
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", ".", "Workspace root directory")
}
