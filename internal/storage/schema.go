package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}

		if err := createCallTables(tx); err != nil {
			return err
		}
		if err := createRubricTables(tx); err != nil {
			return err
		}
		if err := createAnalysisCacheTable(tx); err != nil {
			return err
		}
		if err := createReviewTables(tx); err != nil {
			return err
		}
		if err := createAuditLogTable(tx); err != nil {
			return err
		}

		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", map[string]interface{}{
			"version": currentSchemaVersion,
		})

		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", map[string]interface{}{
			"version": version,
		})
		return nil
	}

	db.logger.Info("Running database migrations", map[string]interface{}{
		"from_version": version,
		"to_version":   currentSchemaVersion,
	})

	// Run migrations sequentially as the schema evolves:
	// if version < 2 { ... }

	return nil
}

// getSchemaVersion gets the current schema version
func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.conn.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.conn.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion sets the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("DELETE FROM schema_version")
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createSchemaVersionTable creates the schema_version tracking table
func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createCallTables creates the calls and transcripts tables.
// Transcripts are content-addressed: the hash column is the stable
// fingerprint of the utterance content, and a call points at the hash
// currently in effect. Editing content inserts a new transcript row and
// repoints the call; old cache entries keyed on the old hash are left
// to age out.
func createCallTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			rep TEXT NOT NULL,
			rep_role TEXT NOT NULL,
			call_type TEXT NOT NULL DEFAULT 'standard',
			transcript_hash TEXT,
			occurred_at TEXT,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create calls table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			hash TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			utterances_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create transcripts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transcripts_call_id ON transcripts(call_id)",
		"CREATE INDEX IF NOT EXISTS idx_calls_rep ON calls(rep)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createRubricTables creates rubric_versions and rubric_criteria.
// The Σ weight == 100 invariant spans multiple criteria rows and is
// enforced by the rubric store at write time, not here.
func createRubricTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS rubric_versions (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			version TEXT NOT NULL,
			name TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			deprecated_at TEXT,
			created_at TEXT NOT NULL,

			UNIQUE (category, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rubric_versions table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS rubric_criteria (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL,
			role TEXT NOT NULL,
			dimension TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			weight INTEGER NOT NULL CHECK(weight >= 0 AND weight <= 100),
			max_score INTEGER NOT NULL CHECK(max_score > 0),
			display_order INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			FOREIGN KEY (version_id) REFERENCES rubric_versions(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rubric_criteria table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_rubric_criteria_scope ON rubric_criteria(version_id, role, dimension, display_order)",
		"CREATE INDEX IF NOT EXISTS idx_rubric_versions_category ON rubric_versions(category, active)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createAnalysisCacheTable creates the analysis_cache table. The key
// is the deterministic fingerprint of (transcript hash, rubric version,
// sorted dimensions). Reads do not filter on expires_at; only the
// sweep removes rows.
func createAnalysisCacheTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS analysis_cache (
			key TEXT PRIMARY KEY,
			transcript_hash TEXT NOT NULL,
			rubric_version TEXT NOT NULL,
			dimensions TEXT NOT NULL,
			result_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create analysis_cache table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_expires_at ON analysis_cache(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_transcript ON analysis_cache(transcript_hash)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createReviewTables creates manager_reviews and training_examples.
// The UNIQUE(call_id, manager) constraint backs the one-review-per-
// manager-per-call rule; resubmission updates in place.
func createReviewTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS manager_reviews (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			manager TEXT NOT NULL,
			scores_json TEXT NOT NULL,
			overall INTEGER,
			ai_snapshot_json TEXT NOT NULL,
			ai_overall INTEGER,
			agreement_level TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE (call_id, manager)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create manager_reviews table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS training_examples (
			id TEXT PRIMARY KEY,
			review_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			dimension TEXT NOT NULL,
			manager_score INTEGER NOT NULL,
			ai_score INTEGER NOT NULL,
			score_delta INTEGER NOT NULL,
			delta_category TEXT NOT NULL,
			used_for_training INTEGER NOT NULL DEFAULT 0,
			training_batch_id TEXT,
			created_at TEXT NOT NULL,

			FOREIGN KEY (review_id) REFERENCES manager_reviews(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create training_examples table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_training_examples_review ON training_examples(review_id)",
		"CREATE INDEX IF NOT EXISTS idx_training_examples_unused ON training_examples(used_for_training, created_at)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createAuditLogTable creates the append-only audit_log table.
// Nothing in the codebase updates or deletes rows here.
func createAuditLogTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			field TEXT,
			old_value TEXT,
			new_value TEXT,
			actor TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_log table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
