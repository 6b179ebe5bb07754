// Package scoring turns raw producer evidence into per-dimension and
// overall scores using the active rubric criteria. Scoring is
// synchronous and CPU-bound; it never blocks or suspends.
package scoring

import (
	"math"
	"time"

	"coach/internal/logging"
	"coach/internal/rubric"
)

// Evidence is one quoted example supporting a score
type Evidence struct {
	Quote     string `json:"quote"`
	Speaker   string `json:"speaker,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CriterionEvidence is the producer's raw assessment of one criterion.
// A nil RawScore means the criterion could not be assessed from the
// transcript.
type CriterionEvidence struct {
	RawScore      *int   `json:"rawScore"`
	Justification string `json:"justification,omitempty"`
}

// DimensionEvidence is the producer's raw output for one dimension
// before scoring. Criteria is keyed by criterion name.
type DimensionEvidence struct {
	Criteria     map[string]CriterionEvidence `json:"criteria"`
	Strengths    []string                     `json:"strengths,omitempty"`
	Improvements []string                     `json:"improvements,omitempty"`
	Examples     []Evidence                   `json:"examples,omitempty"`
	ActionItems  []string                     `json:"actionItems,omitempty"`
	Error        string                       `json:"error,omitempty"`
}

// DimensionScore is the scored outcome for one dimension. A nil Score
// means the dimension was not evaluated; it is excluded from
// aggregation and never coerced to zero.
type DimensionScore struct {
	Score        *int       `json:"score"`
	Strengths    []string   `json:"strengths,omitempty"`
	Improvements []string   `json:"improvements,omitempty"`
	Examples     []Evidence `json:"examples,omitempty"`
	ActionItems  []string   `json:"actionItems,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// AnalysisResult is the full scored analysis for one cache key
type AnalysisResult struct {
	Dimensions     map[string]DimensionScore `json:"dimensions"`
	Overall        *int                      `json:"overall"`
	RubricVersion  string                    `json:"rubricVersion"`
	TranscriptHash string                    `json:"transcriptHash"`
	CallType       string                    `json:"callType,omitempty"`
	Model          string                    `json:"model,omitempty"`
	AnalyzedAt     time.Time                 `json:"analyzedAt"`
}

// Engine scores evidence against criteria and aggregates dimensions.
type Engine struct {
	logger   *logging.Logger
	profiles map[string]Profile
}

// Profile maps dimensions to relative aggregation weights for one call
// type. Dimensions not listed keep weight 1.
type Profile map[string]float64

// NewEngine creates a scoring engine with only the default (unweighted)
// aggregation profile.
func NewEngine(logger *logging.Logger) *Engine {
	return &Engine{
		logger:   logger,
		profiles: make(map[string]Profile),
	}
}

// ScoreDimension computes one dimension's score from its criteria and
// evidence: the weight-proportional sum of normalized criterion scores,
// where normalized = raw / maxScore × 100 clamped to [0, 100].
// Criteria the producer could not assess drop out and the remaining
// weights renormalize; with nothing assessable the score stays nil with
// an error annotation.
func (e *Engine) ScoreDimension(criteria []rubric.Criterion, ev DimensionEvidence) DimensionScore {
	ds := DimensionScore{
		Strengths:    ev.Strengths,
		Improvements: ev.Improvements,
		Examples:     ev.Examples,
		ActionItems:  ev.ActionItems,
		Error:        ev.Error,
	}

	if len(criteria) == 0 {
		if ds.Error == "" {
			ds.Error = "no criteria configured"
		}
		return ds
	}

	var weighted float64
	var weightSum int
	for _, c := range criteria {
		cev, ok := ev.Criteria[c.Name]
		if !ok || cev.RawScore == nil {
			continue
		}
		normalized := float64(*cev.RawScore) / float64(c.MaxScore) * 100
		if normalized < 0 {
			normalized = 0
		}
		if normalized > 100 {
			normalized = 100
		}
		weighted += float64(c.Weight) * normalized
		weightSum += c.Weight
	}

	if weightSum == 0 {
		if ds.Error == "" {
			ds.Error = "no usable evidence"
		}
		return ds
	}

	score := int(math.Round(weighted / float64(weightSum)))
	ds.Score = &score
	return ds
}

// Aggregate computes the overall score across dimensions. The default
// is the unweighted mean of non-nil scores; a call type with a loaded
// profile uses that profile's weights, renormalized over the dimensions
// actually present. With no scored dimensions the overall is nil.
func (e *Engine) Aggregate(scores map[string]DimensionScore, callType string) *int {
	profile := e.profiles[callType]

	var weighted, weightSum float64
	for dim, ds := range scores {
		if ds.Score == nil {
			continue
		}
		w := 1.0
		if pw, ok := profile[dim]; ok && pw > 0 {
			w = pw
		}
		weighted += w * float64(*ds.Score)
		weightSum += w
	}

	if weightSum == 0 {
		return nil
	}
	overall := int(math.Round(weighted / weightSum))
	return &overall
}
