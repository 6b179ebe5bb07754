// Package audit provides the append-only change history for rubric and
// review entities. Rows are only ever inserted; nothing in the codebase
// updates or deletes them.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coach/internal/logging"
	"coach/internal/storage"
)

// ChangeType classifies what happened to the entity or field
type ChangeType string

const (
	// ChangeCreate records a new entity
	ChangeCreate ChangeType = "create"
	// ChangeUpdate records a field moving from one value to another
	ChangeUpdate ChangeType = "update"
	// ChangeAssign records a field receiving its first value
	ChangeAssign ChangeType = "assign"
	// ChangeClear records a field value being removed
	ChangeClear ChangeType = "clear"
	// ChangeDelete records an entity removal
	ChangeDelete ChangeType = "delete"
	// ChangeActivate records a rubric version becoming active
	ChangeActivate ChangeType = "activate"
	// ChangeDeprecate records a rubric version being retired
	ChangeDeprecate ChangeType = "deprecate"
)

// Entity types tracked in the trail
const (
	EntityRubricVersion   = "rubric_version"
	EntityRubricCriterion = "rubric_criterion"
	EntityManagerReview   = "manager_review"
)

// Entry is one audit row
type Entry struct {
	ID         string     `json:"id"`
	EntityType string     `json:"entityType"`
	EntityID   string     `json:"entityId"`
	ChangeType ChangeType `json:"changeType"`
	Field      *string    `json:"field,omitempty"`
	OldValue   *string    `json:"oldValue,omitempty"`
	NewValue   *string    `json:"newValue,omitempty"`
	Actor      string     `json:"actor"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Trail records and queries audit entries
type Trail struct {
	db     *storage.DB
	logger *logging.Logger
}

// NewTrail creates an audit trail over the given database
func NewTrail(db *storage.DB, logger *logging.Logger) *Trail {
	return &Trail{db: db, logger: logger}
}

// Record appends an entry inside the caller's transaction so the
// mutation and its history row commit or roll back together. ID and
// CreatedAt are filled when zero.
func (t *Trail) Record(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.EntityType == "" || e.EntityID == "" || e.ChangeType == "" {
		return fmt.Errorf("audit entry needs entity type, entity id, and change type")
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, change_type, field, old_value, new_value, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EntityType, e.EntityID, string(e.ChangeType),
		nullable(e.Field), nullable(e.OldValue), nullable(e.NewValue),
		e.Actor, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// RecordFieldChange appends one field-level entry, deriving the change
// flavor from the value transition: nil old value means the field got
// its first value, nil new value means it was cleared.
func (t *Trail) RecordFieldChange(ctx context.Context, tx *sql.Tx, entityType, entityID, field string, oldValue, newValue *string, actor string) error {
	changeType := ChangeUpdate
	switch {
	case oldValue == nil && newValue == nil:
		return nil
	case oldValue == nil:
		changeType = ChangeAssign
	case newValue == nil:
		changeType = ChangeClear
	case *oldValue == *newValue:
		return nil
	}

	return t.Record(ctx, tx, &Entry{
		EntityType: entityType,
		EntityID:   entityID,
		ChangeType: changeType,
		Field:      &field,
		OldValue:   oldValue,
		NewValue:   newValue,
		Actor:      actor,
	})
}

// Filter narrows a trail query. Zero fields match everything.
type Filter struct {
	EntityType string
	EntityID   string
	Actor      string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// Query returns matching entries, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT id, entity_type, entity_id, change_type, field, old_value, new_value, actor, created_at
		FROM audit_log WHERE 1=1`
	var args []interface{}

	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := t.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			field     sql.NullString
			oldValue  sql.NullString
			newValue  sql.NullString
			createdAt string
		)
		err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, (*string)(&e.ChangeType),
			&field, &oldValue, &newValue, &e.Actor, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if field.Valid {
			e.Field = &field.String
		}
		if oldValue.Valid {
			e.OldValue = &oldValue.String
		}
		if newValue.Valid {
			e.NewValue = &newValue.String
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ByEntity returns the history of one entity, newest first.
func (t *Trail) ByEntity(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	return t.Query(ctx, Filter{EntityType: entityType, EntityID: entityID, Limit: limit})
}

// ByActor returns everything one actor changed, newest first.
func (t *Trail) ByActor(ctx context.Context, actor string, limit int) ([]Entry, error) {
	return t.Query(ctx, Filter{Actor: actor, Limit: limit})
}

// InRange returns every entry recorded between since and until
// inclusive, newest first.
func (t *Trail) InRange(ctx context.Context, since, until time.Time, limit int) ([]Entry, error) {
	return t.Query(ctx, Filter{Since: &since, Until: &until, Limit: limit})
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
