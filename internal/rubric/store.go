package rubric

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"coach/internal/audit"
	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/storage"
)

// Store is the versioned criteria store for one rubric category.
type Store struct {
	db       *storage.DB
	trail    *audit.Trail
	logger   *logging.Logger
	category string
}

// NewStore creates a rubric store scoped to the given category.
func NewStore(db *storage.DB, trail *audit.Trail, logger *logging.Logger, category string) *Store {
	if category == "" {
		category = DefaultCategory
	}
	return &Store{db: db, trail: trail, logger: logger, category: category}
}

// Category returns the rubric family this store manages
func (s *Store) Category() string {
	return s.category
}

// ActiveVersion returns the currently active version for the category.
func (s *Store) ActiveVersion(ctx context.Context) (*Version, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, category, version, name, active, deprecated_at, created_at
		FROM rubric_versions
		WHERE category = ? AND active = 1
	`, s.category)

	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "no active rubric version for category %q", s.category)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active version: %w", err)
	}
	return v, nil
}

// Versions lists every version of the category, newest first.
func (s *Store) Versions(ctx context.Context) ([]Version, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, category, version, name, active, deprecated_at, created_at
		FROM rubric_versions
		WHERE category = ?
		ORDER BY created_at DESC, version DESC
	`, s.category)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// GetVersion loads one version by ID.
func (s *Store) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, category, version, name, active, deprecated_at, created_at
		FROM rubric_versions
		WHERE id = ?
	`, id)

	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "rubric version not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return v, nil
}

// CreateVersion registers a new, initially inactive version.
func (s *Store) CreateVersion(ctx context.Context, version, name, actor string) (*Version, error) {
	if version == "" {
		return nil, coacherrors.New(coacherrors.ValidationFailed, "version string is required")
	}
	if name == "" {
		name = fmt.Sprintf("%s %s", s.category, version)
	}

	v := &Version{
		ID:        uuid.NewString(),
		Category:  s.category,
		Version:   version,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}
		return s.trail.Record(ctx, tx, &audit.Entry{
			EntityType: audit.EntityRubricVersion,
			EntityID:   v.ID,
			ChangeType: audit.ChangeCreate,
			NewValue:   jsonValue(map[string]string{"category": v.Category, "version": v.Version, "name": v.Name}),
			Actor:      actor,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Rubric version created", map[string]interface{}{
		"version_id": v.ID,
		"category":   v.Category,
		"version":    v.Version,
	})
	return v, nil
}

// ActivateVersion makes the given version the active one for its
// category, deactivating the previous active version. Both transitions
// are audited in the same transaction.
func (s *Store) ActivateVersion(ctx context.Context, id, actor string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		target, err := getVersionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if target.DeprecatedAt != nil {
			return coacherrors.Newf(coacherrors.ValidationFailed,
				"cannot activate deprecated version %s", target.Version)
		}
		if target.Active {
			return nil
		}

		var previousID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM rubric_versions WHERE category = ? AND active = 1
		`, target.Category).Scan(&previousID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to find active version: %w", err)
		}

		if previousID != "" {
			if _, err := tx.ExecContext(ctx,
				"UPDATE rubric_versions SET active = 0 WHERE id = ?", previousID); err != nil {
				return fmt.Errorf("failed to deactivate version: %w", err)
			}
			oldActive, newActive := "true", "false"
			if err := s.trail.RecordFieldChange(ctx, tx, audit.EntityRubricVersion,
				previousID, "active", &oldActive, &newActive, actor); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE rubric_versions SET active = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to activate version: %w", err)
		}
		return s.trail.Record(ctx, tx, &audit.Entry{
			EntityType: audit.EntityRubricVersion,
			EntityID:   id,
			ChangeType: audit.ChangeActivate,
			Actor:      actor,
		})
	})
}

// DeprecateVersion retires a version. It stays readable, loses active
// status if it had it, and rejects further criteria mutation.
func (s *Store) DeprecateVersion(ctx context.Context, id, actor string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		target, err := getVersionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if target.DeprecatedAt != nil {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE rubric_versions SET active = 0, deprecated_at = ? WHERE id = ?
		`, now.Format(time.RFC3339), id); err != nil {
			return fmt.Errorf("failed to deprecate version: %w", err)
		}

		if target.Active {
			oldActive, newActive := "true", "false"
			if err := s.trail.RecordFieldChange(ctx, tx, audit.EntityRubricVersion,
				id, "active", &oldActive, &newActive, actor); err != nil {
				return err
			}
		}

		deprecatedAt := now.Format(time.RFC3339)
		field := "deprecated_at"
		return s.trail.Record(ctx, tx, &audit.Entry{
			EntityType: audit.EntityRubricVersion,
			EntityID:   id,
			ChangeType: audit.ChangeDeprecate,
			Field:      &field,
			NewValue:   &deprecatedAt,
			Actor:      actor,
		})
	})
}

// ActiveCriteria returns the active version's criteria for one (role,
// dimension), sorted by display order. The read path never mutates.
func (s *Store) ActiveCriteria(ctx context.Context, role, dimension string) ([]Criterion, error) {
	active, err := s.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	return s.criteriaWhere(ctx, `
		WHERE version_id = ? AND role = ? AND dimension = ?
	`, active.ID, role, dimension)
}

// ActiveCriteriaForRole returns the active version's criteria for
// every dimension of one role.
func (s *Store) ActiveCriteriaForRole(ctx context.Context, role string) ([]Criterion, error) {
	active, err := s.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	return s.criteriaWhere(ctx, `
		WHERE version_id = ? AND role = ?
	`, active.ID, role)
}

// CriteriaForVersion returns every criterion of a version, sorted by
// role, dimension, then display order.
func (s *Store) CriteriaForVersion(ctx context.Context, versionID string) ([]Criterion, error) {
	return s.criteriaWhere(ctx, "WHERE version_id = ?", versionID)
}

func (s *Store) criteriaWhere(ctx context.Context, where string, args ...interface{}) ([]Criterion, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, version_id, role, dimension, name, description, weight, max_score, display_order, created_at, updated_at
		FROM rubric_criteria `+where+`
		ORDER BY role, dimension, display_order, created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query criteria: %w", err)
	}
	defer rows.Close()

	var criteria []Criterion
	for rows.Next() {
		c, err := scanCriterion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan criterion: %w", err)
		}
		criteria = append(criteria, *c)
	}
	return criteria, rows.Err()
}

// GetCriterion loads one criterion by ID.
func (s *Store) GetCriterion(ctx context.Context, id string) (*Criterion, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, version_id, role, dimension, name, description, weight, max_score, display_order, created_at, updated_at
		FROM rubric_criteria WHERE id = ?
	`, id)

	c, err := scanCriterion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "criterion not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load criterion: %w", err)
	}
	return c, nil
}

// UpsertCriterion inserts (empty ID) or updates (existing ID) one
// criterion. An empty VersionID targets the active version. The
// resulting (version, role, dimension) group must sum to
// WeightSumTarget or the transaction rolls back, audit entry included.
func (s *Store) UpsertCriterion(ctx context.Context, c Criterion, actor string) (*Criterion, error) {
	if err := validateCriterion(&c); err != nil {
		return nil, err
	}

	if c.VersionID == "" {
		active, err := s.ActiveVersion(ctx)
		if err != nil {
			return nil, err
		}
		c.VersionID = active.ID
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		version, err := getVersionTx(ctx, tx, c.VersionID)
		if err != nil {
			return err
		}
		if version.DeprecatedAt != nil {
			return coacherrors.Newf(coacherrors.ValidationFailed,
				"version %s is deprecated and read-only", version.Version)
		}

		now := time.Now().UTC()
		if c.ID == "" {
			c.ID = uuid.NewString()
			c.CreatedAt = now
			c.UpdatedAt = now
			if err := insertCriterion(ctx, tx, &c); err != nil {
				return err
			}
			if err := s.trail.Record(ctx, tx, &audit.Entry{
				EntityType: audit.EntityRubricCriterion,
				EntityID:   c.ID,
				ChangeType: audit.ChangeCreate,
				NewValue:   jsonValue(criterionSummary(&c)),
				Actor:      actor,
			}); err != nil {
				return err
			}
		} else {
			existing, err := getCriterionTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if existing.VersionID != c.VersionID || existing.Role != c.Role || existing.Dimension != c.Dimension {
				return coacherrors.New(coacherrors.ValidationFailed,
					"criterion version, role, and dimension are fixed; delete and recreate to move it")
			}

			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				UPDATE rubric_criteria
				SET name = ?, description = ?, weight = ?, max_score = ?, display_order = ?, updated_at = ?
				WHERE id = ?
			`, c.Name, c.Description, c.Weight, c.MaxScore, c.DisplayOrder,
				now.Format(time.RFC3339), c.ID); err != nil {
				return fmt.Errorf("failed to update criterion: %w", err)
			}
			if err := s.auditCriterionDiff(ctx, tx, existing, &c, actor); err != nil {
				return err
			}
		}

		return checkWeightSum(ctx, tx, c.VersionID, c.Role, c.Dimension)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Criterion saved", map[string]interface{}{
		"criterion_id": c.ID,
		"role":         c.Role,
		"dimension":    c.Dimension,
		"weight":       c.Weight,
	})
	return &c, nil
}

// ReplaceCriteria atomically replaces the whole (version, role,
// dimension) group with the given set. Removed criteria are audited
// before deletion; the new group must sum to WeightSumTarget.
func (s *Store) ReplaceCriteria(ctx context.Context, versionID, role, dimension string, criteria []Criterion, actor string) ([]Criterion, error) {
	if role == "" || dimension == "" {
		return nil, coacherrors.New(coacherrors.ValidationFailed, "role and dimension are required")
	}
	for i := range criteria {
		criteria[i].VersionID = versionID
		criteria[i].Role = role
		criteria[i].Dimension = dimension
		if criteria[i].MaxScore == 0 {
			criteria[i].MaxScore = 100
		}
		if criteria[i].DisplayOrder == 0 {
			criteria[i].DisplayOrder = i + 1
		}
		if err := validateCriterion(&criteria[i]); err != nil {
			return nil, err
		}
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		version, err := getVersionTx(ctx, tx, versionID)
		if err != nil {
			return err
		}
		if version.DeprecatedAt != nil {
			return coacherrors.Newf(coacherrors.ValidationFailed,
				"version %s is deprecated and read-only", version.Version)
		}

		if err := s.deleteGroupTx(ctx, tx, versionID, role, dimension, actor); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range criteria {
			criteria[i].ID = uuid.NewString()
			criteria[i].CreatedAt = now
			criteria[i].UpdatedAt = now
			if err := insertCriterion(ctx, tx, &criteria[i]); err != nil {
				return err
			}
			if err := s.trail.Record(ctx, tx, &audit.Entry{
				EntityType: audit.EntityRubricCriterion,
				EntityID:   criteria[i].ID,
				ChangeType: audit.ChangeCreate,
				NewValue:   jsonValue(criterionSummary(&criteria[i])),
				Actor:      actor,
			}); err != nil {
				return err
			}
		}

		return checkWeightSum(ctx, tx, versionID, role, dimension)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Criteria group replaced", map[string]interface{}{
		"version_id": versionID,
		"role":       role,
		"dimension":  dimension,
		"count":      len(criteria),
	})
	return criteria, nil
}

// DeleteCriterion removes one criterion. The audit entry referencing it
// is written before the row is removed, and the remaining group must be
// empty or still sum to WeightSumTarget.
func (s *Store) DeleteCriterion(ctx context.Context, id, actor string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getCriterionTx(ctx, tx, id)
		if err != nil {
			return err
		}

		version, err := getVersionTx(ctx, tx, existing.VersionID)
		if err != nil {
			return err
		}
		if version.DeprecatedAt != nil {
			return coacherrors.Newf(coacherrors.ValidationFailed,
				"version %s is deprecated and read-only", version.Version)
		}

		// Audit first so the entry never references an already-deleted row
		if err := s.trail.Record(ctx, tx, &audit.Entry{
			EntityType: audit.EntityRubricCriterion,
			EntityID:   existing.ID,
			ChangeType: audit.ChangeDelete,
			OldValue:   jsonValue(criterionSummary(existing)),
			Actor:      actor,
		}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM rubric_criteria WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete criterion: %w", err)
		}

		return checkWeightSum(ctx, tx, existing.VersionID, existing.Role, existing.Dimension)
	})
}

func (s *Store) deleteGroupTx(ctx context.Context, tx *sql.Tx, versionID, role, dimension, actor string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, version_id, role, dimension, name, description, weight, max_score, display_order, created_at, updated_at
		FROM rubric_criteria
		WHERE version_id = ? AND role = ? AND dimension = ?
	`, versionID, role, dimension)
	if err != nil {
		return fmt.Errorf("failed to load criteria group: %w", err)
	}
	var existing []Criterion
	for rows.Next() {
		c, err := scanCriterion(rows.Scan)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan criterion: %w", err)
		}
		existing = append(existing, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range existing {
		if err := s.trail.Record(ctx, tx, &audit.Entry{
			EntityType: audit.EntityRubricCriterion,
			EntityID:   existing[i].ID,
			ChangeType: audit.ChangeDelete,
			OldValue:   jsonValue(criterionSummary(&existing[i])),
			Actor:      actor,
		}); err != nil {
			return err
		}
	}

	if len(existing) > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM rubric_criteria
			WHERE version_id = ? AND role = ? AND dimension = ?
		`, versionID, role, dimension); err != nil {
			return fmt.Errorf("failed to delete criteria group: %w", err)
		}
	}
	return nil
}

func (s *Store) auditCriterionDiff(ctx context.Context, tx *sql.Tx, before, after *Criterion, actor string) error {
	changes := []struct {
		field    string
		old, new string
	}{
		{"name", before.Name, after.Name},
		{"description", before.Description, after.Description},
		{"weight", strconv.Itoa(before.Weight), strconv.Itoa(after.Weight)},
		{"max_score", strconv.Itoa(before.MaxScore), strconv.Itoa(after.MaxScore)},
		{"display_order", strconv.Itoa(before.DisplayOrder), strconv.Itoa(after.DisplayOrder)},
	}
	for _, ch := range changes {
		if ch.old == ch.new {
			continue
		}
		oldValue, newValue := ch.old, ch.new
		if err := s.trail.RecordFieldChange(ctx, tx, audit.EntityRubricCriterion,
			before.ID, ch.field, &oldValue, &newValue, actor); err != nil {
			return err
		}
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *Version) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rubric_versions (id, category, version, name, active, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, v.ID, v.Category, v.Version, v.Name, v.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return coacherrors.Newf(coacherrors.ValidationFailed,
				"version %s already exists for category %s", v.Version, v.Category)
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func insertCriterion(ctx context.Context, tx *sql.Tx, c *Criterion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rubric_criteria (id, version_id, role, dimension, name, description, weight, max_score, display_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.VersionID, c.Role, c.Dimension, c.Name, c.Description,
		c.Weight, c.MaxScore, c.DisplayOrder,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert criterion: %w", err)
	}
	return nil
}

func getVersionTx(ctx context.Context, tx *sql.Tx, id string) (*Version, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, category, version, name, active, deprecated_at, created_at
		FROM rubric_versions WHERE id = ?
	`, id)

	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "rubric version not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return v, nil
}

func getCriterionTx(ctx context.Context, tx *sql.Tx, id string) (*Criterion, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, version_id, role, dimension, name, description, weight, max_score, display_order, created_at, updated_at
		FROM rubric_criteria WHERE id = ?
	`, id)

	c, err := scanCriterion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "criterion not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load criterion: %w", err)
	}
	return c, nil
}

func scanVersion(scan func(...interface{}) error) (*Version, error) {
	var (
		v            Version
		active       int
		deprecatedAt sql.NullString
		createdAt    string
	)
	err := scan(&v.ID, &v.Category, &v.Version, &v.Name, &active, &deprecatedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	v.Active = active == 1
	if deprecatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, deprecatedAt.String); err == nil {
			v.DeprecatedAt = &t
		}
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}

func scanCriterion(scan func(...interface{}) error) (*Criterion, error) {
	var (
		c         Criterion
		createdAt string
		updatedAt string
	)
	err := scan(&c.ID, &c.VersionID, &c.Role, &c.Dimension, &c.Name, &c.Description,
		&c.Weight, &c.MaxScore, &c.DisplayOrder, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

func criterionSummary(c *Criterion) map[string]interface{} {
	return map[string]interface{}{
		"role":      c.Role,
		"dimension": c.Dimension,
		"name":      c.Name,
		"weight":    c.Weight,
		"maxScore":  c.MaxScore,
	}
}

func jsonValue(v interface{}) *string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}
