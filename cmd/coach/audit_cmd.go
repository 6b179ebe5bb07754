package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coach/internal/audit"
	coacherrors "coach/internal/errors"
)

var (
	auditEntity string
	auditActor  string
	auditSince  string
	auditUntil  string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the append-only change history",
	Long: `Query the audit trail of rubric and review mutations.

Entries are append-only: every committed mutation of a tracked entity
wrote exactly one row in the same transaction, and nothing ever
updates or deletes them.

Examples:
  coach audit --entity rubric_criterion:3f1c8a...
  coach audit --entity rubric_version
  coach audit --actor leah --since 2026-08-01T00:00:00Z
  coach audit --since 2026-08-01T00:00:00Z --until 2026-08-18T00:00:00Z`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditEntity, "entity", "", "Entity as type or type:id")
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Earliest entry (RFC 3339)")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "Latest entry (RFC 3339)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum entries to return")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{Actor: auditActor, Limit: auditLimit}

	if auditEntity != "" {
		entityType, entityID, _ := strings.Cut(auditEntity, ":")
		filter.EntityType = entityType
		filter.EntityID = entityID
	}
	if auditSince != "" {
		ts, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return coacherrors.New(coacherrors.ValidationFailed, "--since must be an RFC 3339 timestamp")
		}
		filter.Since = &ts
	}
	if auditUntil != "" {
		ts, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return coacherrors.New(coacherrors.ValidationFailed, "--until must be an RFC 3339 timestamp")
		}
		filter.Until = &ts
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.trail.Query(context.Background(), filter)
	if err != nil {
		return err
	}
	return printResult(entries)
}
