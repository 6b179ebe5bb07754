// Package transcript holds the call and utterance model plus the
// content fingerprint that cache keys and calls are addressed by.
package transcript

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Role identifies which side of the call an utterance came from
type Role string

const (
	// RoleRep is the sales rep being coached
	RoleRep Role = "rep"
	// RoleProspect is the customer side
	RoleProspect Role = "prospect"
)

// Utterance is a single turn of the conversation
type Utterance struct {
	Speaker      string `json:"speaker" yaml:"speaker"`
	Role         Role   `json:"role" yaml:"role"`
	Text         string `json:"text" yaml:"text"`
	StartSeconds int    `json:"startSeconds,omitempty" yaml:"startSeconds,omitempty"`
}

// Transcript is the content-addressed utterance sequence for a call
type Transcript struct {
	Hash       string      `json:"hash"`
	CallID     string      `json:"callId"`
	Utterances []Utterance `json:"utterances"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Call is the recorded call a transcript and its analyses hang off
type Call struct {
	ID             string     `json:"id"`
	Rep            string     `json:"rep"`
	RepRole        string     `json:"repRole"`
	CallType       string     `json:"callType"`
	TranscriptHash string     `json:"transcriptHash,omitempty"`
	OccurredAt     *time.Time `json:"occurredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Fingerprint computes the canonical content hash of an utterance
// sequence. Fields are length-prefixed to avoid delimiter ambiguity,
// and utterance order is part of the content: reordering turns is a
// different conversation and must produce a different hash.
// Algorithm: BLAKE2b-256, lowercase hex output.
func Fingerprint(utterances []Utterance) string {
	var builder strings.Builder

	for _, u := range utterances {
		writeField(&builder, u.Speaker)
		writeField(&builder, string(u.Role))
		writeField(&builder, u.Text)
		writeField(&builder, strconv.Itoa(u.StartSeconds))
	}

	sum := blake2b.Sum256([]byte(builder.String()))
	return hex.EncodeToString(sum[:])
}

// writeField appends one length-prefixed field: "len:value", empty → "0:"
func writeField(builder *strings.Builder, field string) {
	builder.WriteString(strconv.Itoa(len(field)))
	builder.WriteByte(':')
	builder.WriteString(field)
}

// ingestDocument is the wrapped form accepted on ingest. A bare
// utterance array is also accepted.
type ingestDocument struct {
	CallID     string      `json:"callId" yaml:"callId"`
	Utterances []Utterance `json:"utterances" yaml:"utterances"`
}

// Parse decodes an ingest payload. JSON is tried first, then YAML, so
// both fixture styles work without a format flag. The payload is either
// a bare utterance array or a document with an utterances field.
func Parse(data []byte) ([]Utterance, error) {
	if utterances, err := parseJSON(data); err == nil {
		return utterances, nil
	}
	return parseYAML(data)
}

func parseJSON(data []byte) ([]Utterance, error) {
	var bare []Utterance
	if err := json.Unmarshal(data, &bare); err == nil {
		return validateUtterances(bare)
	}

	var doc ingestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transcript JSON: %w", err)
	}
	return validateUtterances(doc.Utterances)
}

func parseYAML(data []byte) ([]Utterance, error) {
	var bare []Utterance
	if err := yaml.Unmarshal(data, &bare); err == nil && len(bare) > 0 {
		return validateUtterances(bare)
	}

	var doc ingestDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transcript YAML: %w", err)
	}
	return validateUtterances(doc.Utterances)
}

func validateUtterances(utterances []Utterance) ([]Utterance, error) {
	if len(utterances) == 0 {
		return nil, fmt.Errorf("transcript has no utterances")
	}
	for i, u := range utterances {
		if strings.TrimSpace(u.Text) == "" {
			return nil, fmt.Errorf("utterance %d has empty text", i)
		}
		switch u.Role {
		case RoleRep, RoleProspect:
		case "":
			return nil, fmt.Errorf("utterance %d has no role", i)
		default:
			return nil, fmt.Errorf("utterance %d has unknown role %q", i, u.Role)
		}
	}
	return utterances, nil
}

// Render flattens a transcript into the plain text form handed to the
// evidence producer. Timestamps are mm:ss so quotes can cite them.
func Render(utterances []Utterance) string {
	var builder strings.Builder
	for _, u := range utterances {
		builder.WriteString(fmt.Sprintf("[%s] %s (%s): %s\n",
			formatOffset(u.StartSeconds), u.Speaker, u.Role, u.Text))
	}
	return builder.String()
}

func formatOffset(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
