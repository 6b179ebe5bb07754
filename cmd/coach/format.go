package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"coach/internal/analysis"
	"coach/internal/audit"
	"coach/internal/cache"
	"coach/internal/export"
	"coach/internal/review"
	"coach/internal/rubric"
)

// OutputFormat selects how command results are rendered.
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatHuman OutputFormat = "human"
)

// criteriaOutput is the rubric list / criteria payload.
type criteriaOutput struct {
	Version  *rubric.Version    `json:"version"`
	Criteria []rubric.Criterion `json:"criteria"`
}

// reviewOutput pairs a review with its derived training examples.
type reviewOutput struct {
	Review   *review.ManagerReview    `json:"review"`
	Examples []review.TrainingExample `json:"examples"`
}

// FormatResponse renders a command result in the requested format.
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *analysis.Result:
		return formatAnalysisHuman(v), nil
	case *criteriaOutput:
		return formatCriteriaHuman(v), nil
	case []rubric.Version:
		return formatVersionsHuman(v), nil
	case *reviewOutput:
		return formatReviewHuman(v), nil
	case []audit.Entry:
		return formatAuditHuman(v), nil
	case *cache.Stats:
		return formatCacheStatsHuman(v), nil
	case []cache.Entry:
		return formatCacheEntriesHuman(v), nil
	case *export.Batch:
		return formatBatchHuman(v), nil
	default:
		// Unknown types fall back to JSON
		return formatJSON(resp)
	}
}

func formatAnalysisHuman(result *analysis.Result) string {
	var b strings.Builder

	a := result.Analysis
	source := "computed"
	if result.FromCache {
		source = "cached"
	}
	b.WriteString(fmt.Sprintf("Analysis (%s, rubric %s, model %s)\n", source, a.RubricVersion, a.Model))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	dims := make([]string, 0, len(a.Dimensions))
	for dim := range a.Dimensions {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	for _, dim := range dims {
		ds := a.Dimensions[dim]
		if ds.Score != nil {
			b.WriteString(fmt.Sprintf("%-20s %3d/100\n", dim, *ds.Score))
		} else {
			b.WriteString(fmt.Sprintf("%-20s   not scored (%s)\n", dim, ds.Error))
		}
		for _, s := range ds.Strengths {
			b.WriteString(fmt.Sprintf("  + %s\n", s))
		}
		for _, i := range ds.Improvements {
			b.WriteString(fmt.Sprintf("  - %s\n", i))
		}
		for _, ex := range ds.Examples {
			if ex.Timestamp != "" {
				b.WriteString(fmt.Sprintf("  > [%s] %s\n", ex.Timestamp, ex.Quote))
			} else {
				b.WriteString(fmt.Sprintf("  > %s\n", ex.Quote))
			}
		}
	}

	b.WriteString("\n")
	if a.Overall != nil {
		b.WriteString(fmt.Sprintf("Overall: %d/100\n", *a.Overall))
	} else {
		b.WriteString("Overall: not scored\n")
	}
	return b.String()
}

func formatCriteriaHuman(out *criteriaOutput) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Rubric %s (%s)", out.Version.Version, out.Version.Name))
	if out.Version.Active {
		b.WriteString(" [active]")
	}
	b.WriteString("\n\n")

	if len(out.Criteria) == 0 {
		b.WriteString("No criteria.\n")
		return b.String()
	}
	for _, c := range out.Criteria {
		b.WriteString(fmt.Sprintf("%s / %s: %s (weight %d, max %d)\n",
			c.Role, c.Dimension, c.Name, c.Weight, c.MaxScore))
		if c.Description != "" {
			b.WriteString(fmt.Sprintf("    %s\n", c.Description))
		}
	}
	return b.String()
}

func formatVersionsHuman(versions []rubric.Version) string {
	if len(versions) == 0 {
		return "No rubric versions.\n"
	}
	var b strings.Builder
	for _, v := range versions {
		marker := " "
		if v.Active {
			marker = "*"
		}
		state := ""
		if v.DeprecatedAt != nil {
			state = " (deprecated)"
		}
		b.WriteString(fmt.Sprintf("%s %s  %s%s  %s\n", marker, v.Version, v.Name, state, v.ID))
	}
	return b.String()
}

func formatReviewHuman(out *reviewOutput) string {
	var b strings.Builder

	r := out.Review
	b.WriteString(fmt.Sprintf("Review by %s on call %s (%s)\n", r.Manager, r.CallID, r.AgreementLevel))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	dims := make([]string, 0, len(r.Scores))
	for dim := range r.Scores {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	for _, dim := range dims {
		if ai, ok := r.AISnapshot[dim]; ok {
			b.WriteString(fmt.Sprintf("%-20s manager %3d  ai %3d\n", dim, r.Scores[dim], ai))
		} else {
			b.WriteString(fmt.Sprintf("%-20s manager %3d\n", dim, r.Scores[dim]))
		}
	}
	if r.Overall != nil {
		if r.AIOverall != nil {
			b.WriteString(fmt.Sprintf("%-20s manager %3d  ai %3d\n", "overall", *r.Overall, *r.AIOverall))
		} else {
			b.WriteString(fmt.Sprintf("%-20s manager %3d\n", "overall", *r.Overall))
		}
	}
	if r.Notes != "" {
		b.WriteString(fmt.Sprintf("\nNotes: %s\n", r.Notes))
	}

	if len(out.Examples) > 0 {
		b.WriteString("\nTraining examples:\n")
		for _, ex := range out.Examples {
			used := ""
			if ex.UsedForTraining {
				used = " [consumed]"
			}
			b.WriteString(fmt.Sprintf("  %-20s delta %+4d  %s%s\n", ex.Dimension, ex.ScoreDelta, ex.DeltaCategory, used))
		}
	}
	return b.String()
}

func formatAuditHuman(entries []audit.Entry) string {
	if len(entries) == 0 {
		return "No audit entries.\n"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(fmt.Sprintf("%s  %-8s %s:%s by %s",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.ChangeType, e.EntityType, e.EntityID, e.Actor))
		if e.Field != nil {
			b.WriteString(fmt.Sprintf("  %s", *e.Field))
			if e.OldValue != nil || e.NewValue != nil {
				b.WriteString(fmt.Sprintf(": %s -> %s", strOrDash(e.OldValue), strOrDash(e.NewValue)))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func strOrDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatCacheStatsHuman(stats *cache.Stats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Entries:      %d (%d expired)\n", stats.Entries, stats.Expired))
	b.WriteString(fmt.Sprintf("Size:         %d bytes\n", stats.SizeBytes))
	b.WriteString(fmt.Sprintf("In flight:    %d\n", stats.InFlight))
	b.WriteString(fmt.Sprintf("TTL:          %s\n", stats.TTL))
	if stats.OldestEntry != nil {
		b.WriteString(fmt.Sprintf("Oldest entry: %s\n", stats.OldestEntry.Format("2006-01-02 15:04:05")))
	}
	c := stats.Counters
	b.WriteString(fmt.Sprintf("Hits/misses:  %d/%d\n", c.CacheHits, c.CacheMisses))
	b.WriteString(fmt.Sprintf("Producer:     %d calls, %d failures\n", c.ProducerCalls, c.ProducerFailures))
	b.WriteString(fmt.Sprintf("Coalesced:    %d waits, %d lock timeouts\n", c.CoalescedWaits, c.LockTimeouts))
	b.WriteString(fmt.Sprintf("Swept:        %d\n", c.SweptEntries))
	return b.String()
}

func formatCacheEntriesHuman(entries []cache.Entry) string {
	if len(entries) == 0 {
		return "Cache is empty.\n"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(fmt.Sprintf("%s  rubric %s  dims [%s]  expires %s\n",
			e.Key[:12], e.RubricVersion, strings.Join(e.Dimensions, ","),
			e.ExpiresAt.Format("2006-01-02 15:04:05")))
	}
	return b.String()
}

func formatBatchHuman(batch *export.Batch) string {
	if batch.Count == 0 {
		return "Nothing to export: no unconsumed training examples.\n"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Exported %d examples to %s (batch %s)\n", batch.Count, batch.Path, batch.ID))
	cats := make([]string, 0, len(batch.Categories))
	for cat := range batch.Categories {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		b.WriteString(fmt.Sprintf("  %-22s %d\n", cat, batch.Categories[cat]))
	}
	return b.String()
}

// printResult renders and prints a command result.
func printResult(resp interface{}) error {
	out, err := FormatResponse(resp, OutputFormat(formatFlag))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
