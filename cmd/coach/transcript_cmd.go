package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	coacherrors "coach/internal/errors"
	"coach/internal/transcript"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Ingest and inspect call transcripts",
}

var (
	ingestCallID   string
	ingestRep      string
	ingestRepRole  string
	ingestCallType string
	ingestOccurred string
)

var transcriptIngestCmd = &cobra.Command{
	Use:   "ingest <file.json|file.yaml>",
	Short: "Ingest transcript content for a call",
	Long: `Ingest utterance content and point the call at its fingerprint.

The call is created on first ingest (--rep and --role required then).
Re-ingesting edited content stores a new transcript under a new hash
and repoints the call; analyses cached under the old hash are left to
age out.

Examples:
  coach transcript ingest call-482.json --call call-482 --rep dana --role ae
  coach transcript ingest call-482-v2.json --call call-482`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscriptIngest,
}

var showCallID string

var transcriptShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a call's current transcript",
	RunE:  runTranscriptShow,
}

func init() {
	transcriptIngestCmd.Flags().StringVar(&ingestCallID, "call", "", "Call id the content belongs to")
	transcriptIngestCmd.Flags().StringVar(&ingestRep, "rep", "", "Rep on the call (required on first ingest)")
	transcriptIngestCmd.Flags().StringVar(&ingestRepRole, "role", "", "Rep role, e.g. ae or sdr (required on first ingest)")
	transcriptIngestCmd.Flags().StringVar(&ingestCallType, "call-type", "", "Call type selecting the aggregation profile")
	transcriptIngestCmd.Flags().StringVar(&ingestOccurred, "occurred", "", "When the call happened (RFC 3339)")

	transcriptShowCmd.Flags().StringVar(&showCallID, "call", "", "Call id")

	transcriptCmd.AddCommand(transcriptIngestCmd, transcriptShowCmd)
	rootCmd.AddCommand(transcriptCmd)
}

func runTranscriptIngest(cmd *cobra.Command, args []string) error {
	if ingestCallID == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--call is required")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read transcript file: %w", err)
	}
	utterances, err := transcript.Parse(data)
	if err != nil {
		return coacherrors.Wrap(coacherrors.ValidationFailed, "invalid transcript file", err)
	}

	call := transcript.Call{
		ID:       ingestCallID,
		Rep:      ingestRep,
		RepRole:  ingestRepRole,
		CallType: ingestCallType,
	}
	if ingestOccurred != "" {
		ts, err := time.Parse(time.RFC3339, ingestOccurred)
		if err != nil {
			return coacherrors.New(coacherrors.ValidationFailed, "--occurred must be an RFC 3339 timestamp")
		}
		call.OccurredAt = &ts
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tr, err := a.calls.Ingest(context.Background(), call, utterances)
	if err != nil {
		return err
	}
	return printResult(map[string]interface{}{
		"callId":         tr.CallID,
		"transcriptHash": tr.Hash,
		"utterances":     len(tr.Utterances),
	})
}

func runTranscriptShow(cmd *cobra.Command, args []string) error {
	if showCallID == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--call is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	call, tr, err := a.calls.ForCall(context.Background(), showCallID)
	if err != nil {
		return err
	}
	if formatFlag == string(FormatHuman) {
		fmt.Printf("Call %s (%s, %s) transcript %s\n\n", call.ID, call.Rep, call.RepRole, tr.Hash)
		fmt.Print(transcript.Render(tr.Utterances))
		return nil
	}
	return printResult(map[string]interface{}{"call": call, "transcript": tr})
}
