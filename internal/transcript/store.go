package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/storage"
)

// Store persists calls and their content-addressed transcripts.
type Store struct {
	db     *storage.DB
	logger *logging.Logger
}

// NewStore creates a transcript store
func NewStore(db *storage.DB, logger *logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateCall registers a call with no transcript yet.
func (s *Store) CreateCall(ctx context.Context, call *Call) error {
	if err := validateCall(call); err != nil {
		return err
	}
	if call.CallType == "" {
		call.CallType = "standard"
	}
	call.CreatedAt = time.Now().UTC()

	var occurredAt interface{}
	if call.OccurredAt != nil {
		occurredAt = call.OccurredAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (id, rep, rep_role, call_type, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, call.ID, call.Rep, call.RepRole, call.CallType, occurredAt,
		call.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return coacherrors.Newf(coacherrors.ValidationFailed, "call already exists: %s", call.ID)
		}
		return fmt.Errorf("failed to insert call: %w", err)
	}

	s.logger.Debug("Call created", map[string]interface{}{
		"call_id": call.ID,
		"rep":     call.Rep,
	})
	return nil
}

// GetCall loads a call by ID.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, rep, rep_role, call_type, transcript_hash, occurred_at, created_at
		FROM calls WHERE id = ?
	`, id)

	call, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "call not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call: %w", err)
	}
	return call, nil
}

// Ingest stores utterance content and points the call at its
// fingerprint. The call is created on first ingest (rep and role
// required then) and repointed on later ones; re-ingesting identical
// content is a no-op for the transcripts table. Cache entries keyed on
// a previous hash are not touched and age out on their own.
func (s *Store) Ingest(ctx context.Context, call Call, utterances []Utterance) (*Transcript, error) {
	if call.ID == "" {
		return nil, coacherrors.New(coacherrors.ValidationFailed, "call id is required")
	}
	if _, err := validateUtterances(utterances); err != nil {
		return nil, coacherrors.Wrap(coacherrors.ValidationFailed, "invalid transcript", err)
	}

	hash := Fingerprint(utterances)
	utterancesJSON, err := json.Marshal(utterances)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal utterances: %w", err)
	}

	now := time.Now().UTC()
	result := &Transcript{
		Hash:       hash,
		CallID:     call.ID,
		Utterances: utterances,
		CreatedAt:  now,
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, "SELECT id FROM calls WHERE id = ?", call.ID).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			if err := validateCall(&call); err != nil {
				return err
			}
			if call.CallType == "" {
				call.CallType = "standard"
			}
			var occurredAt interface{}
			if call.OccurredAt != nil {
				occurredAt = call.OccurredAt.UTC().Format(time.RFC3339)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO calls (id, rep, rep_role, call_type, transcript_hash, occurred_at, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, call.ID, call.Rep, call.RepRole, call.CallType, hash, occurredAt,
				now.Format(time.RFC3339))
			if err != nil {
				return fmt.Errorf("failed to insert call: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up call: %w", err)
		default:
			_, err = tx.ExecContext(ctx, "UPDATE calls SET transcript_hash = ? WHERE id = ?", hash, call.ID)
			if err != nil {
				return fmt.Errorf("failed to repoint call transcript: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO transcripts (hash, call_id, utterances_json, created_at)
			VALUES (?, ?, ?, ?)
		`, hash, call.ID, string(utterancesJSON), now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert transcript: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transcript ingested", map[string]interface{}{
		"call_id":    call.ID,
		"hash":       hash,
		"utterances": len(utterances),
	})
	return result, nil
}

// GetTranscript loads transcript content by fingerprint.
func (s *Store) GetTranscript(ctx context.Context, hash string) (*Transcript, error) {
	var (
		t              Transcript
		utterancesJSON string
		createdAt      string
	)
	err := s.db.QueryRow(ctx, `
		SELECT hash, call_id, utterances_json, created_at
		FROM transcripts WHERE hash = ?
	`, hash).Scan(&t.Hash, &t.CallID, &utterancesJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, coacherrors.Newf(coacherrors.NotFound, "transcript not found: %s", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	if err := json.Unmarshal([]byte(utterancesJSON), &t.Utterances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal utterances: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

// ForCall loads a call together with its current transcript content.
func (s *Store) ForCall(ctx context.Context, callID string) (*Call, *Transcript, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	if call.TranscriptHash == "" {
		return nil, nil, coacherrors.Newf(coacherrors.NotFound, "call has no transcript: %s", callID)
	}
	t, err := s.GetTranscript(ctx, call.TranscriptHash)
	if err != nil {
		return nil, nil, err
	}
	return call, t, nil
}

func validateCall(call *Call) error {
	if call.ID == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "call id is required")
	}
	if call.Rep == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "call rep is required")
	}
	if call.RepRole == "" {
		return coacherrors.New(coacherrors.ValidationFailed, "call rep role is required")
	}
	return nil
}

func scanCall(row *sql.Row) (*Call, error) {
	var (
		call           Call
		transcriptHash sql.NullString
		occurredAt     sql.NullString
		createdAt      string
	)
	err := row.Scan(&call.ID, &call.Rep, &call.RepRole, &call.CallType,
		&transcriptHash, &occurredAt, &createdAt)
	if err != nil {
		return nil, err
	}

	call.TranscriptHash = transcriptHash.String
	if occurredAt.Valid {
		if t, err := time.Parse(time.RFC3339, occurredAt.String); err == nil {
			call.OccurredAt = &t
		}
	}
	call.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &call, nil
}
