// Package rubric manages versioned, role/dimension-scoped scoring
// criteria. Every mutation commits atomically with its audit entry, and
// the cross-row weight invariant is checked at write time by a single
// shared function used by all mutation paths.
package rubric

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	coacherrors "coach/internal/errors"
)

// WeightSumTarget is what the weights of a committed (role, dimension)
// group must add up to. A group is either empty or sums to exactly this.
const WeightSumTarget = 100

// DefaultCategory is the rubric family used when none is configured
const DefaultCategory = "coaching"

// Version is a named criteria set. One version per category is active;
// deprecated versions stay readable but reject mutation.
type Version struct {
	ID           string     `json:"id"`
	Category     string     `json:"category"`
	Version      string     `json:"version"`
	Name         string     `json:"name"`
	Active       bool       `json:"active"`
	DeprecatedAt *time.Time `json:"deprecatedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Criterion is one weighted scoring criterion within a version
type Criterion struct {
	ID           string    `json:"id"`
	VersionID    string    `json:"versionId"`
	Role         string    `json:"role"`
	Dimension    string    `json:"dimension"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Weight       int       `json:"weight"`
	MaxScore     int       `json:"maxScore"`
	DisplayOrder int       `json:"displayOrder"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func validateCriterion(c *Criterion) error {
	if c.Role == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "criterion role is required")
	}
	if c.Dimension == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "criterion dimension is required")
	}
	if c.Name == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "criterion name is required")
	}
	if c.Weight < 0 || c.Weight > WeightSumTarget {
		return coacherrors.Newf(coacherrors.ValidationFailed,
			"criterion weight %d out of range [0, %d]", c.Weight, WeightSumTarget)
	}
	if c.MaxScore <= 0 {
		return coacherrors.Newf(coacherrors.ValidationFailed,
			"criterion max score must be positive, got %d", c.MaxScore)
	}
	return nil
}

// checkWeightSum validates the committed state of one (version, role,
// dimension) group inside the caller's transaction. The group must be
// empty or sum to WeightSumTarget; anything else rolls the whole
// mutation back. This runs after the mutation so it always judges the
// state that would actually commit.
func checkWeightSum(ctx context.Context, tx *sql.Tx, versionID, role, dimension string) error {
	var (
		sum   int
		count int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(weight), 0), COUNT(*)
		FROM rubric_criteria
		WHERE version_id = ? AND role = ? AND dimension = ?
	`, versionID, role, dimension).Scan(&sum, &count)
	if err != nil {
		return fmt.Errorf("failed to sum criterion weights: %w", err)
	}

	if count == 0 || sum == WeightSumTarget {
		return nil
	}
	return coacherrors.Newf(coacherrors.ValidationFailed,
		"criterion weights for (%s, %s) sum to %d, must be %d",
		role, dimension, sum, WeightSumTarget).
		WithDetails(map[string]interface{}{
			"role":      role,
			"dimension": dimension,
			"sum":       sum,
			"target":    WeightSumTarget,
		})
}
