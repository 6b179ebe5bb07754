package producer

import (
	"encoding/json"
	"fmt"

	coacherrors "coach/internal/errors"
	"coach/internal/scoring"
)

type wireEvidence struct {
	Dimensions map[string]wireDimension `json:"dimensions"`
}

type wireDimension struct {
	Criteria     map[string]wireCriterion `json:"criteria"`
	Strengths    []string                 `json:"strengths"`
	Improvements []string                 `json:"improvements"`
	Examples     []wireExample            `json:"examples"`
	ActionItems  []string                 `json:"action_items"`
	Error        string                   `json:"error"`
}

type wireCriterion struct {
	Score         *int   `json:"score"`
	Justification string `json:"justification"`
}

type wireExample struct {
	Quote     string `json:"quote"`
	Speaker   string `json:"speaker"`
	Timestamp string `json:"timestamp"`
}

// ParseEvidence decodes the model's JSON reply for the requested
// dimensions. A reply that is not a JSON object fails outright; a
// single dimension missing from an otherwise valid reply degrades to
// an error annotation so the other dimensions still score.
func ParseEvidence(raw string, dimensions []string) (*EvidenceSet, error) {
	var wire wireEvidence
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, coacherrors.Wrap(coacherrors.ProducerFailed, "model reply is not valid JSON", err)
	}

	set := &EvidenceSet{Dimensions: make(map[string]scoring.DimensionEvidence, len(dimensions))}
	for _, dim := range dimensions {
		wd, ok := wire.Dimensions[dim]
		if !ok {
			set.Dimensions[dim] = scoring.DimensionEvidence{
				Error: fmt.Sprintf("model returned no evidence for %s", dim),
			}
			continue
		}
		set.Dimensions[dim] = toDimensionEvidence(wd)
	}
	return set, nil
}

func toDimensionEvidence(wd wireDimension) scoring.DimensionEvidence {
	ev := scoring.DimensionEvidence{
		Strengths:    wd.Strengths,
		Improvements: wd.Improvements,
		ActionItems:  wd.ActionItems,
		Error:        wd.Error,
	}
	if len(wd.Criteria) > 0 {
		ev.Criteria = make(map[string]scoring.CriterionEvidence, len(wd.Criteria))
		for name, wc := range wd.Criteria {
			ev.Criteria[name] = scoring.CriterionEvidence{
				RawScore:      wc.Score,
				Justification: wc.Justification,
			}
		}
	}
	for _, ex := range wd.Examples {
		ev.Examples = append(ev.Examples, scoring.Evidence{
			Quote:     ex.Quote,
			Speaker:   ex.Speaker,
			Timestamp: ex.Timestamp,
		})
	}
	return ev
}
