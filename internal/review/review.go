package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"coach/internal/audit"
	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/storage"
)

// ManagerReview is one manager's correction of the AI analysis for a
// call. The AI scores are snapshotted as submitted, so later
// re-analyses never rewrite what the manager actually saw.
type ManagerReview struct {
	ID             string         `json:"id"`
	CallID         string         `json:"callId"`
	Manager        string         `json:"manager"`
	Scores         map[string]int `json:"scores"`
	Overall        *int           `json:"overall,omitempty"`
	AISnapshot     map[string]int `json:"aiSnapshot"`
	AIOverall      *int           `json:"aiOverall,omitempty"`
	AgreementLevel string         `json:"agreementLevel"`
	Notes          string         `json:"notes,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TrainingExample is one calibration data point derived from a review.
// Rows are immutable once written except for the used_for_training and
// training_batch_id fields set at export time.
type TrainingExample struct {
	ID              string        `json:"id"`
	ReviewID        string        `json:"reviewId"`
	CallID          string        `json:"callId"`
	Dimension       string        `json:"dimension"`
	ManagerScore    int           `json:"managerScore"`
	AIScore         int           `json:"aiScore"`
	ScoreDelta      int           `json:"scoreDelta"`
	DeltaCategory   DeltaCategory `json:"deltaCategory"`
	UsedForTraining bool          `json:"usedForTraining"`
	TrainingBatchID *string       `json:"trainingBatchId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Submission carries one manager's scores plus the AI scores they saw.
// Score maps hold only dimensions that were actually scored; a nil AI
// dimension score is omitted rather than submitted as zero.
type Submission struct {
	CallID         string         `json:"callId"`
	Manager        string         `json:"manager"`
	Scores         map[string]int `json:"scores"`
	Overall        *int           `json:"overall,omitempty"`
	AISnapshot     map[string]int `json:"aiSnapshot"`
	AIOverall      *int           `json:"aiOverall,omitempty"`
	AgreementLevel string         `json:"agreementLevel"`
	Notes          string         `json:"notes,omitempty"`
}

// Reconciler stores manager reviews and derives training examples from
// them.
type Reconciler struct {
	db     *storage.DB
	trail  *audit.Trail
	logger *logging.Logger
}

// NewReconciler creates a reconciler over db.
func NewReconciler(db *storage.DB, trail *audit.Trail, logger *logging.Logger) *Reconciler {
	return &Reconciler{db: db, trail: trail, logger: logger}
}

// Reconcile upserts the review for (call, manager): a first submission
// creates the row, a resubmission updates it in place. For every
// dimension scored by both the manager and the AI, plus the overall
// pair when both are present, a training example is written with the
// classified delta. Resubmission regenerates examples that have not
// been consumed for training; consumed examples are preserved and not
// duplicated.
func (r *Reconciler) Reconcile(ctx context.Context, sub Submission) (*ManagerReview, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	if err := r.callExists(ctx, sub.CallID); err != nil {
		return nil, err
	}

	var review *ManagerReview
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.getByCallManagerTx(ctx, tx, sub.CallID, sub.Manager)
		if err != nil {
			return err
		}
		if existing == nil {
			review, err = r.insertTx(ctx, tx, sub)
		} else {
			review, err = r.updateTx(ctx, tx, existing, sub)
		}
		if err != nil {
			return err
		}
		return r.regenerateExamplesTx(ctx, tx, review)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("manager review reconciled", map[string]interface{}{
		"review_id": review.ID,
		"call_id":   review.CallID,
		"manager":   review.Manager,
	})
	return review, nil
}

// Create is the create-only path: a duplicate (call, manager) pair is
// a conflict rather than an update. Reconcile is the path submissions
// normally take.
func (r *Reconciler) Create(ctx context.Context, sub Submission) (*ManagerReview, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	if err := r.callExists(ctx, sub.CallID); err != nil {
		return nil, err
	}

	var review *ManagerReview
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.getByCallManagerTx(ctx, tx, sub.CallID, sub.Manager)
		if err != nil {
			return err
		}
		if existing != nil {
			return coacherrors.Newf(coacherrors.ReviewConflict,
				"review already exists for call %s by %s", sub.CallID, sub.Manager)
		}
		review, err = r.insertTx(ctx, tx, sub)
		if err != nil {
			return err
		}
		return r.regenerateExamplesTx(ctx, tx, review)
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// Get returns one review by id.
func (r *Reconciler) Get(ctx context.Context, id string) (*ManagerReview, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, call_id, manager, scores_json, overall, ai_snapshot_json, ai_overall, agreement_level, notes, created_at, updated_at
		FROM manager_reviews WHERE id = ?
	`, id)
	review, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "review not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review: %w", err)
	}
	return review, nil
}

// ByCallAndManager returns the review one manager submitted for a call.
func (r *Reconciler) ByCallAndManager(ctx context.Context, callID, manager string) (*ManagerReview, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, call_id, manager, scores_json, overall, ai_snapshot_json, ai_overall, agreement_level, notes, created_at, updated_at
		FROM manager_reviews WHERE call_id = ? AND manager = ?
	`, callID, manager)
	review, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "no review for call %s by %s", callID, manager)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review: %w", err)
	}
	return review, nil
}

// ForCall lists every manager's review of a call, oldest first.
func (r *Reconciler) ForCall(ctx context.Context, callID string) ([]ManagerReview, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, call_id, manager, scores_json, overall, ai_snapshot_json, ai_overall, agreement_level, notes, created_at, updated_at
		FROM manager_reviews WHERE call_id = ?
		ORDER BY created_at, manager
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []ManagerReview
	for rows.Next() {
		review, err := scanReview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, *review)
	}
	return reviews, rows.Err()
}

// Examples lists the training examples derived from one review, in
// dimension order.
func (r *Reconciler) Examples(ctx context.Context, reviewID string) ([]TrainingExample, error) {
	return r.queryExamples(ctx, `WHERE review_id = ? ORDER BY dimension`, reviewID)
}

// UnusedExamples lists examples not yet consumed by a training export,
// oldest first.
func (r *Reconciler) UnusedExamples(ctx context.Context, limit int) ([]TrainingExample, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.queryExamples(ctx, `WHERE used_for_training = 0 ORDER BY created_at, dimension LIMIT ?`, limit)
}

// MarkUsed stamps the given examples with a training batch. Already
// consumed examples keep their original batch.
func (r *Reconciler) MarkUsed(ctx context.Context, ids []string, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	if batchID == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "training batch id is required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, batchID)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE training_examples
		SET used_for_training = 1, training_batch_id = ?
		WHERE id IN (%s) AND used_for_training = 0
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to mark examples used: %w", err)
	}
	return nil
}

// CategoryCounts reports how many examples fall into each delta bucket,
// optionally restricted to one dimension.
func (r *Reconciler) CategoryCounts(ctx context.Context, dimension string) (map[DeltaCategory]int, error) {
	query := `SELECT delta_category, COUNT(*) FROM training_examples`
	var args []interface{}
	if dimension != "" {
		query += ` WHERE dimension = ?`
		args = append(args, dimension)
	}
	query += ` GROUP BY delta_category`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count delta categories: %w", err)
	}
	defer rows.Close()

	counts := make(map[DeltaCategory]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		counts[DeltaCategory(category)] = n
	}
	return counts, rows.Err()
}

func validateSubmission(sub Submission) error {
	if sub.CallID == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "call id is required")
	}
	if sub.Manager == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "manager is required")
	}
	if !ValidAgreement(sub.AgreementLevel) {
		return coacherrors.Newf(coacherrors.ValidationFailed,
			"agreement level must be %s, %s, or %s", AgreementAgree, AgreementMostly, AgreementDisagree)
	}
	if len(sub.Scores) == 0 && sub.Overall == nil {
		return coacherrors.New(coacherrors.ValidationFailed,
			"at least one dimension score or an overall score is required")
	}
	for dim, score := range sub.Scores {
		if strings.TrimSpace(dim) == "" {
			return coacherrors.New(coacherrors.ValidationFailed, "dimension name cannot be empty")
		}
		if score < 0 || score > 100 {
			return coacherrors.Newf(coacherrors.ValidationFailed,
				"score for %s must be between 0 and 100, got %d", dim, score)
		}
	}
	if sub.Overall != nil && (*sub.Overall < 0 || *sub.Overall > 100) {
		return coacherrors.Newf(coacherrors.ValidationFailed,
			"overall score must be between 0 and 100, got %d", *sub.Overall)
	}
	return nil
}

func (r *Reconciler) callExists(ctx context.Context, callID string) error {
	var one int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM calls WHERE id = ?`, callID).Scan(&one)
	if err == sql.ErrNoRows {
		return coacherrors.Newf(coacherrors.NotFound, "call not found: %s", callID)
	}
	if err != nil {
		return fmt.Errorf("failed to check call: %w", err)
	}
	return nil
}

// getByCallManagerTx returns the existing review or nil when absent.
func (r *Reconciler) getByCallManagerTx(ctx context.Context, tx *sql.Tx, callID, manager string) (*ManagerReview, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, call_id, manager, scores_json, overall, ai_snapshot_json, ai_overall, agreement_level, notes, created_at, updated_at
		FROM manager_reviews WHERE call_id = ? AND manager = ?
	`, callID, manager)
	review, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review: %w", err)
	}
	return review, nil
}

func (r *Reconciler) insertTx(ctx context.Context, tx *sql.Tx, sub Submission) (*ManagerReview, error) {
	now := time.Now().UTC()
	review := &ManagerReview{
		ID:             uuid.New().String(),
		CallID:         sub.CallID,
		Manager:        sub.Manager,
		Scores:         sub.Scores,
		Overall:        sub.Overall,
		AISnapshot:     sub.AISnapshot,
		AIOverall:      sub.AIOverall,
		AgreementLevel: sub.AgreementLevel,
		Notes:          sub.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	scoresJSON, snapshotJSON, err := encodeScoreMaps(review)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO manager_reviews (id, call_id, manager, scores_json, overall, ai_snapshot_json, ai_overall, agreement_level, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, review.ID, review.CallID, review.Manager, scoresJSON, nullableInt(review.Overall),
		snapshotJSON, nullableInt(review.AIOverall), review.AgreementLevel, review.Notes,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if storage.IsUniqueViolation(err) {
		return nil, coacherrors.Newf(coacherrors.ReviewConflict,
			"review already exists for call %s by %s", sub.CallID, sub.Manager)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert review: %w", err)
	}

	summary := reviewSummary(review)
	if err := r.trail.Record(ctx, tx, &audit.Entry{
		EntityType: audit.EntityManagerReview,
		EntityID:   review.ID,
		ChangeType: audit.ChangeCreate,
		NewValue:   &summary,
		Actor:      review.Manager,
	}); err != nil {
		return nil, err
	}
	return review, nil
}

func (r *Reconciler) updateTx(ctx context.Context, tx *sql.Tx, existing *ManagerReview, sub Submission) (*ManagerReview, error) {
	now := time.Now().UTC()
	review := &ManagerReview{
		ID:             existing.ID,
		CallID:         existing.CallID,
		Manager:        existing.Manager,
		Scores:         sub.Scores,
		Overall:        sub.Overall,
		AISnapshot:     sub.AISnapshot,
		AIOverall:      sub.AIOverall,
		AgreementLevel: sub.AgreementLevel,
		Notes:          sub.Notes,
		CreatedAt:      existing.CreatedAt,
		UpdatedAt:      now,
	}

	scoresJSON, snapshotJSON, err := encodeScoreMaps(review)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE manager_reviews
		SET scores_json = ?, overall = ?, ai_snapshot_json = ?, ai_overall = ?, agreement_level = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`, scoresJSON, nullableInt(review.Overall), snapshotJSON, nullableInt(review.AIOverall),
		review.AgreementLevel, review.Notes, now.Format(time.RFC3339), review.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update review: %w", err)
	}

	summary := reviewSummary(review)
	if err := r.trail.Record(ctx, tx, &audit.Entry{
		EntityType: audit.EntityManagerReview,
		EntityID:   review.ID,
		ChangeType: audit.ChangeUpdate,
		NewValue:   &summary,
		Actor:      review.Manager,
	}); err != nil {
		return nil, err
	}
	return review, nil
}

// regenerateExamplesTx rebuilds the unconsumed training examples for a
// review from its current scores. A dimension whose example was already
// consumed for training keeps that example and gets no replacement.
func (r *Reconciler) regenerateExamplesTx(ctx context.Context, tx *sql.Tx, review *ManagerReview) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT dimension FROM training_examples WHERE review_id = ? AND used_for_training = 1`, review.ID)
	if err != nil {
		return fmt.Errorf("failed to load consumed examples: %w", err)
	}
	consumed := make(map[string]struct{})
	for rows.Next() {
		var dim string
		if err := rows.Scan(&dim); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan consumed example: %w", err)
		}
		consumed[dim] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM training_examples WHERE review_id = ? AND used_for_training = 0`, review.ID); err != nil {
		return fmt.Errorf("failed to drop replaced examples: %w", err)
	}

	dims := make([]string, 0, len(review.Scores))
	for dim := range review.Scores {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	for _, dim := range dims {
		aiScore, ok := review.AISnapshot[dim]
		if !ok {
			continue
		}
		if _, done := consumed[dim]; done {
			continue
		}
		if err := insertExampleTx(ctx, tx, review, dim, review.Scores[dim], aiScore); err != nil {
			return err
		}
	}

	if review.Overall != nil && review.AIOverall != nil {
		if _, done := consumed[OverallDimension]; !done {
			if err := insertExampleTx(ctx, tx, review, OverallDimension, *review.Overall, *review.AIOverall); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertExampleTx(ctx context.Context, tx *sql.Tx, review *ManagerReview, dimension string, managerScore, aiScore int) error {
	delta := managerScore - aiScore
	_, err := tx.ExecContext(ctx, `
		INSERT INTO training_examples (id, review_id, call_id, dimension, manager_score, ai_score, score_delta, delta_category, used_for_training, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, uuid.New().String(), review.ID, review.CallID, dimension, managerScore, aiScore,
		delta, string(Classify(delta)), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert training example: %w", err)
	}
	return nil
}

func (r *Reconciler) queryExamples(ctx context.Context, clause string, args ...interface{}) ([]TrainingExample, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, review_id, call_id, dimension, manager_score, ai_score, score_delta, delta_category, used_for_training, training_batch_id, created_at
		FROM training_examples `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list training examples: %w", err)
	}
	defer rows.Close()

	var examples []TrainingExample
	for rows.Next() {
		var ex TrainingExample
		var category, createdAt string
		var used int
		var batchID sql.NullString
		if err := rows.Scan(&ex.ID, &ex.ReviewID, &ex.CallID, &ex.Dimension, &ex.ManagerScore,
			&ex.AIScore, &ex.ScoreDelta, &category, &used, &batchID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan training example: %w", err)
		}
		ex.DeltaCategory = DeltaCategory(category)
		ex.UsedForTraining = used != 0
		if batchID.Valid {
			ex.TrainingBatchID = &batchID.String
		}
		ex.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

func scanReview(scan func(...interface{}) error) (*ManagerReview, error) {
	var review ManagerReview
	var scoresJSON, snapshotJSON, createdAt, updatedAt string
	var overall, aiOverall sql.NullInt64

	err := scan(&review.ID, &review.CallID, &review.Manager, &scoresJSON, &overall,
		&snapshotJSON, &aiOverall, &review.AgreementLevel, &review.Notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scoresJSON), &review.Scores); err != nil {
		return nil, fmt.Errorf("corrupt review scores: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &review.AISnapshot); err != nil {
		return nil, fmt.Errorf("corrupt review snapshot: %w", err)
	}
	if overall.Valid {
		v := int(overall.Int64)
		review.Overall = &v
	}
	if aiOverall.Valid {
		v := int(aiOverall.Int64)
		review.AIOverall = &v
	}
	review.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	review.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &review, nil
}

func encodeScoreMaps(review *ManagerReview) (string, string, error) {
	if review.Scores == nil {
		review.Scores = map[string]int{}
	}
	if review.AISnapshot == nil {
		review.AISnapshot = map[string]int{}
	}
	scoresJSON, err := json.Marshal(review.Scores)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode scores: %w", err)
	}
	snapshotJSON, err := json.Marshal(review.AISnapshot)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(scoresJSON), string(snapshotJSON), nil
}

func reviewSummary(review *ManagerReview) string {
	summary := map[string]interface{}{
		"callId":         review.CallID,
		"manager":        review.Manager,
		"agreementLevel": review.AgreementLevel,
	}
	if review.Overall != nil {
		summary["overall"] = *review.Overall
	}
	data, _ := json.Marshal(summary)
	return string(data)
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
