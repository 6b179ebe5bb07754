package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"coach/internal/analysis"
	coacherrors "coach/internal/errors"
	"coach/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Submit and inspect manager reviews",
	Long: `Record a manager's correction of an AI analysis.

Each (call, manager) pair holds one review; resubmitting updates it in
place. Every dimension scored by both the manager and the AI yields a
training example classifying the gap between the two scores.`,
}

var (
	reviewCall      string
	reviewManager   string
	reviewScores    string
	reviewOverall   int
	reviewAgreement string
	reviewNotes     string
	reviewAIScores  string
	reviewAIOverall int
)

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit or update a manager review",
	Long: `Submit a manager's scores for a call.

The AI scores being corrected are snapshotted with the review. By
default they come from the call's most recent cached analysis under
the active rubric version; pass --ai-scores/--ai-overall to pin them
explicitly (for example when reviewing a dashboard screenshot that no
longer matches the cache).

Examples:
  coach review submit --call call-482 --manager leah \
    --scores discovery=70,engagement=55 --overall 64 --agreement mostly
  coach review submit --call call-482 --manager leah \
    --scores discovery=70 --agreement disagree \
    --ai-scores discovery=92 --notes "rep never asked about budget"`,
	RunE: runReviewSubmit,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a call's reviews and their training examples",
	RunE:  runReviewShow,
}

var reviewStatsDimension string

var reviewStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count training examples per delta category",
	RunE:  runReviewStats,
}

func init() {
	reviewSubmitCmd.Flags().StringVar(&reviewCall, "call", "", "Call id")
	reviewSubmitCmd.Flags().StringVar(&reviewManager, "manager", "", "Reviewing manager")
	reviewSubmitCmd.Flags().StringVar(&reviewScores, "scores", "", "Manager scores as dim=score pairs, comma separated")
	reviewSubmitCmd.Flags().IntVar(&reviewOverall, "overall", -1, "Manager overall score (0-100)")
	reviewSubmitCmd.Flags().StringVar(&reviewAgreement, "agreement", "", "Agreement level: agree, mostly, disagree")
	reviewSubmitCmd.Flags().StringVar(&reviewNotes, "notes", "", "Free-form review notes")
	reviewSubmitCmd.Flags().StringVar(&reviewAIScores, "ai-scores", "", "AI scores as dim=score pairs (default: latest cached analysis)")
	reviewSubmitCmd.Flags().IntVar(&reviewAIOverall, "ai-overall", -1, "AI overall score (default: latest cached analysis)")

	reviewShowCmd.Flags().StringVar(&reviewCall, "call", "", "Call id")
	reviewShowCmd.Flags().StringVar(&reviewManager, "manager", "", "Filter to one manager's review")

	reviewStatsCmd.Flags().StringVar(&reviewStatsDimension, "dimension", "", "Restrict counts to one dimension")

	reviewCmd.AddCommand(reviewSubmitCmd, reviewShowCmd, reviewStatsCmd)
	rootCmd.AddCommand(reviewCmd)
}

func runReviewSubmit(cmd *cobra.Command, args []string) error {
	if reviewCall == "" || reviewManager == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--call and --manager are required")
	}

	scores, err := parseScorePairs(reviewScores)
	if err != nil {
		return err
	}

	sub := review.Submission{
		CallID:         reviewCall,
		Manager:        reviewManager,
		Scores:         scores,
		AgreementLevel: reviewAgreement,
		Notes:          reviewNotes,
	}
	if reviewOverall >= 0 {
		overall := reviewOverall
		sub.Overall = &overall
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if reviewAIScores != "" || reviewAIOverall >= 0 {
		sub.AISnapshot, err = parseScorePairs(reviewAIScores)
		if err != nil {
			return err
		}
		if reviewAIOverall >= 0 {
			aiOverall := reviewAIOverall
			sub.AIOverall = &aiOverall
		}
	} else {
		sub.AISnapshot, sub.AIOverall, err = a.cachedAISnapshot(ctx, reviewCall)
		if err != nil {
			return err
		}
	}

	rev, err := a.reviews.Reconcile(ctx, sub)
	if err != nil {
		return err
	}

	examples, err := a.reviews.Examples(ctx, rev.ID)
	if err != nil {
		return err
	}
	return printResult(&reviewOutput{Review: rev, Examples: examples})
}

// cachedAISnapshot pulls the AI scores a manager would have seen: the
// call's most recent cached analysis under the active rubric version.
// With nothing cached the snapshot stays empty and the review produces
// no training examples.
func (a *app) cachedAISnapshot(ctx context.Context, callID string) (map[string]int, *int, error) {
	call, tr, err := a.calls.ForCall(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	version, err := a.rubrics.ActiveVersion(ctx)
	if err != nil {
		return nil, nil, err
	}

	cached, ok, err := a.cache.LatestForTranscript(ctx, tr.Hash, version.Version)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		a.logger.Warn("no cached analysis to snapshot; review will carry no AI scores", map[string]interface{}{
			"call_id": call.ID,
			"version": version.Version,
		})
		return map[string]int{}, nil, nil
	}

	scores, overall := analysis.ScoreSnapshot(cached)
	return scores, overall, nil
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	if reviewCall == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "--call is required")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if reviewManager != "" {
		rev, err := a.reviews.ByCallAndManager(ctx, reviewCall, reviewManager)
		if err != nil {
			return err
		}
		examples, err := a.reviews.Examples(ctx, rev.ID)
		if err != nil {
			return err
		}
		return printResult(&reviewOutput{Review: rev, Examples: examples})
	}

	reviews, err := a.reviews.ForCall(ctx, reviewCall)
	if err != nil {
		return err
	}
	if len(reviews) == 0 {
		return coacherrors.Newf(coacherrors.NotFound, "no reviews for call %s", reviewCall)
	}
	for i := range reviews {
		examples, err := a.reviews.Examples(ctx, reviews[i].ID)
		if err != nil {
			return err
		}
		if err := printResult(&reviewOutput{Review: &reviews[i], Examples: examples}); err != nil {
			return err
		}
	}
	return nil
}

func runReviewStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.reviews.CategoryCounts(context.Background(), reviewStatsDimension)
	if err != nil {
		return err
	}
	return printResult(counts)
}

// parseScorePairs parses "discovery=70,engagement=55" into a score map.
// An empty input yields an empty map.
func parseScorePairs(raw string) (map[string]int, error) {
	scores := make(map[string]int)
	if strings.TrimSpace(raw) == "" {
		return scores, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, coacherrors.Newf(coacherrors.ValidationFailed,
				"score pair %q must look like dimension=score", pair)
		}
		score, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, coacherrors.Newf(coacherrors.ValidationFailed,
				"score for %s is not an integer: %q", parts[0], parts[1])
		}
		scores[parts[0]] = score
	}
	return scores, nil
}
