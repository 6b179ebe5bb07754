// Package producer defines the port to the external evidence producer
// (the LLM call) and its OpenAI adapter. The producer is opaque to the
// rest of the engine: it either returns an evidence set or fails with
// a retryable producer error, and it never scores anything itself.
package producer

import (
	"context"

	"coach/internal/rubric"
	"coach/internal/scoring"
)

// Request carries everything the producer needs to gather evidence for
// one call.
type Request struct {
	CallID        string
	CallType      string
	RepRole       string
	RubricVersion string
	// Transcript is the rendered utterance text, one line per turn.
	Transcript string
	// Dimensions is the normalized dimension list being analyzed.
	Dimensions []string
	// Criteria holds the active criteria per dimension; the model is
	// asked to score each criterion by name.
	Criteria map[string][]rubric.Criterion
}

// EvidenceSet is the raw model output, one entry per requested
// dimension. A dimension the model could not assess carries an Error
// annotation instead of criterion scores.
type EvidenceSet struct {
	Dimensions map[string]scoring.DimensionEvidence
	Model      string
}

// Producer gathers scoring evidence for a transcript.
type Producer interface {
	Evidence(ctx context.Context, req Request) (*EvidenceSet, error)
}

// Func adapts a plain function to the Producer interface.
type Func func(ctx context.Context, req Request) (*EvidenceSet, error)

// Evidence implements Producer.
func (f Func) Evidence(ctx context.Context, req Request) (*EvidenceSet, error) {
	return f(ctx, req)
}
