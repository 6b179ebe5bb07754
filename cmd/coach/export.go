package main

import (
	"context"

	"github.com/spf13/cobra"

	coacherrors "coach/internal/errors"
	"coach/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export calibration data",
}

var (
	exportOut   string
	exportLimit int
	exportBatch string
)

var exportTrainingCmd = &cobra.Command{
	Use:   "training",
	Short: "Export unconsumed training examples as a gzip JSONL batch",
	Long: `Export training examples that have not been consumed yet.

Exported rows are stamped with a fresh batch id and marked consumed;
a later export picks up where this one left off. The file is written
atomically before any row is marked, so an interrupted export re-runs
cleanly.

Examples:
  coach export training --out batches/calibration-2026-08.jsonl.gz
  coach export training --out batch.jsonl.gz --limit 500`,
	RunE: runExportTraining,
}

func init() {
	exportTrainingCmd.Flags().StringVar(&exportOut, "out", "", "Output file (*.jsonl.gz)")
	exportTrainingCmd.Flags().IntVar(&exportLimit, "limit", 0, "Cap the number of examples (default: store limit)")
	exportTrainingCmd.Flags().StringVar(&exportBatch, "batch-id", "", "Override the generated batch id")

	exportCmd.AddCommand(exportTrainingCmd)
	rootCmd.AddCommand(exportCmd)
}

func runExportTraining(cmd *cobra.Command, args []string) error {
	if exportOut == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--out is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	batch, err := a.exporter.Training(context.Background(), export.Options{
		Path:    exportOut,
		Limit:   exportLimit,
		BatchID: exportBatch,
	})
	if err != nil {
		return err
	}
	return printResult(batch)
}
