package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coach/internal/analysis"
)

var (
	analyzeDimensions string
	analyzeNoCache    bool
	analyzeForce      bool
	analyzeTimeout    time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <call-id>",
	Short: "Score a call against the active rubric",
	Long: `Score a call's transcript against the active rubric version.

Identical requests (same transcript content, rubric version, and
dimension set) are served from the analysis cache; concurrent requests
for the same key share a single model call.

Examples:
  coach analyze call-482
  coach analyze call-482 --dimensions discovery,objection_handling
  coach analyze call-482 --force
  coach analyze call-482 --no-cache --timeout 3m`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeDimensions, "dimensions", "", "Comma-separated dimensions (default: all for the rep's role)")
	analyzeCmd.Flags().BoolVar(&analyzeNoCache, "no-cache", false, "Compute without reading or writing the cache")
	analyzeCmd.Flags().BoolVar(&analyzeForce, "force", false, "Recompute and overwrite any cached analysis")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 0, "Bound the whole analysis (default: producer config)")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.analysisService()
	if err != nil {
		return err
	}

	timeout := analyzeTimeout
	if timeout == 0 {
		timeout = time.Duration(a.cfg.Producer.TimeoutSeconds) * time.Second
	}

	var dimensions []string
	if analyzeDimensions != "" {
		dimensions = strings.Split(analyzeDimensions, ",")
	}

	result, err := svc.Analyze(context.Background(), args[0], dimensions, analysis.Options{
		UseCache:        !analyzeNoCache,
		ForceReanalysis: analyzeForce,
		Timeout:         timeout,
	})
	if err != nil {
		return err
	}
	return printResult(result)
}
