package rubric

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"

	"coach/internal/audit"
	coacherrors "coach/internal/errors"
)

// SeedFile is the default filename for declarative rubric seeds
const SeedFile = "RUBRIC.toml"

// CriterionDeclaration is one declared criterion in RUBRIC.toml
type CriterionDeclaration struct {
	// Role the criterion applies to (e.g., "ae", "sdr")
	Role string `toml:"role"`

	// Dimension is the coaching category being scored
	Dimension string `toml:"dimension"`

	// Name is the human-readable criterion label
	Name string `toml:"name"`

	// Description explains what good looks like
	Description string `toml:"description,omitempty"`

	// Weight is this criterion's share of the dimension score
	Weight int `toml:"weight"`

	// MaxScore is the raw score ceiling (defaults to 100)
	MaxScore int `toml:"max_score,omitempty"`

	// Order controls display position (defaults to file order)
	Order int `toml:"order,omitempty"`
}

// Seed is the root structure of RUBRIC.toml
type Seed struct {
	// Category is the rubric family (must match the store's category)
	Category string `toml:"category,omitempty"`

	// Version is the version string to create
	Version string `toml:"version"`

	// Name is the human-readable version name
	Name string `toml:"name,omitempty"`

	// Criteria is the declared criterion list
	Criteria []CriterionDeclaration `toml:"criterion"`
}

// ParseSeedFile parses a RUBRIC.toml file from the given path
func ParseSeedFile(filePath string) (*Seed, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", SeedFile, err)
	}
	return ParseSeed(data)
}

// ParseSeed parses RUBRIC.toml content
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, coacherrors.Wrap(coacherrors.ValidationFailed,
			fmt.Sprintf("failed to parse %s", SeedFile), err)
	}
	if len(seed.Criteria) == 0 {
		return nil, coacherrors.Newf(coacherrors.ValidationFailed,
			"%s declares no criteria", SeedFile)
	}
	return &seed, nil
}

// ImportSeed creates a new version from a declared criteria set in one
// transaction. Every (role, dimension) group must sum to
// WeightSumTarget; any violation rejects the whole import and nothing
// commits. overrideVersion, when set, replaces the version declared in
// the file.
func (s *Store) ImportSeed(ctx context.Context, seed *Seed, overrideVersion, actor string) (*Version, []Criterion, error) {
	if seed.Category != "" && seed.Category != s.category {
		return nil, nil, coacherrors.Newf(coacherrors.ValidationFailed,
			"seed category %q does not match store category %q", seed.Category, s.category)
	}

	versionStr := seed.Version
	if overrideVersion != "" {
		versionStr = overrideVersion
	}
	if versionStr == "" {
		return nil, nil, coacherrors.New(coacherrors.ValidationFailed, "seed version is required")
	}

	criteria := make([]Criterion, len(seed.Criteria))
	groupSums := make(map[[2]string]int)
	groupOrder := make(map[[2]string]int)
	for i, decl := range seed.Criteria {
		c := Criterion{
			Role:        decl.Role,
			Dimension:   decl.Dimension,
			Name:        decl.Name,
			Description: decl.Description,
			Weight:      decl.Weight,
			MaxScore:    decl.MaxScore,
		}
		if c.MaxScore == 0 {
			c.MaxScore = 100
		}
		key := [2]string{decl.Role, decl.Dimension}
		groupOrder[key]++
		if decl.Order != 0 {
			c.DisplayOrder = decl.Order
		} else {
			c.DisplayOrder = groupOrder[key]
		}
		if err := validateCriterion(&c); err != nil {
			return nil, nil, err
		}
		groupSums[key] += c.Weight
		criteria[i] = c
	}

	var violations []string
	for key, sum := range groupSums {
		if sum != WeightSumTarget {
			violations = append(violations, fmt.Sprintf("(%s, %s) sums to %d", key[0], key[1], sum))
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return nil, nil, coacherrors.Newf(coacherrors.ValidationFailed,
			"criterion weights must sum to %d per (role, dimension): %v",
			WeightSumTarget, violations)
	}

	name := seed.Name
	if name == "" {
		name = fmt.Sprintf("%s %s", s.category, versionStr)
	}
	version := &Version{
		ID:        uuid.NewString(),
		Category:  s.category,
		Version:   versionStr,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertVersion(ctx, tx, version); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, &audit.Entry{
			EntityType: audit.EntityRubricVersion,
			EntityID:   version.ID,
			ChangeType: audit.ChangeCreate,
			NewValue:   jsonValue(map[string]string{"category": version.Category, "version": version.Version, "name": version.Name}),
			Actor:      actor,
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range criteria {
			criteria[i].ID = uuid.NewString()
			criteria[i].VersionID = version.ID
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

		for key := range groupSums {
			if err := checkWeightSum(ctx, tx, version.ID, key[0], key[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Rubric seed imported", map[string]interface{}{
		"version_id": version.ID,
		"version":    version.Version,
		"criteria":   len(criteria),
	})
	return version, criteria, nil
}
