package producer

import (
	"fmt"
	"strings"
)

// systemPrompt pins the reply to a single JSON object so the response
// can be parsed mechanically. Scores are raw per-criterion values on
// the criterion's own scale; normalization and weighting happen in the
// scoring engine, never in the model.
func systemPrompt() string {
	return `You are an experienced sales coach reviewing a call transcript. You must produce one valid JSON object only (no markdown, no code fences, no commentary) following the schema below.

Requirements:
- Score each listed criterion on its own scale from 0 to its max_score, using only evidence from the transcript.
- If the transcript contains no usable evidence for a criterion, set its score to null. Never substitute 0 for missing evidence.
- Quote the transcript verbatim in examples and include the speaker and the [mm:ss] timestamp of the quoted line.
- If an entire dimension cannot be assessed, set its "error" field and leave "criteria" empty.
- Keep strengths, improvements, and action_items concise and concrete.

Schema (one entry per requested dimension):
{
  "dimensions": {
    "<dimension>": {
      "criteria": {
        "<criterion name>": {"score": 0, "justification": "<string>"}
      },
      "strengths": ["<string>"],
      "improvements": ["<string>"],
      "examples": [{"quote": "<string>", "speaker": "<string>", "timestamp": "mm:ss"}],
      "action_items": ["<string>"],
      "error": ""
    }
  }
}`
}

// userPrompt lays out the rubric the model scores against, then the
// transcript.
func userPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review this %s call by a %s rep against rubric version %s.\n",
		req.CallType, req.RepRole, req.RubricVersion)
	fmt.Fprintf(&b, "Dimensions to assess: %s\n\n", strings.Join(req.Dimensions, ", "))

	for _, dim := range req.Dimensions {
		fmt.Fprintf(&b, "Criteria for %q:\n", dim)
		for _, c := range req.Criteria[dim] {
			fmt.Fprintf(&b, "- %s (max_score %d)", c.Name, c.MaxScore)
			if c.Description != "" {
				fmt.Fprintf(&b, ": %s", c.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Transcript:\n")
	b.WriteString(req.Transcript)
	return b.String()
}
