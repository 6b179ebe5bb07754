package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"coach/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: logging.ErrorLevel})
}

func TestOpen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "coach-storage-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "coach.db")
	db, err := Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file at %s: %v", dbPath, err)
	}

	tables := []string{
		"schema_version",
		"calls",
		"transcripts",
		"rubric_versions",
		"rubric_criteria",
		"analysis_cache",
		"manager_reviews",
		"training_examples",
		"audit_log",
	}
	for _, table := range tables {
		var name string
		err := db.Conn().QueryRow(`
			SELECT name FROM sqlite_master
			WHERE type='table' AND name=?
		`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}

	version, err := db.getSchemaVersion()
	if err != nil {
		t.Fatalf("getSchemaVersion failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "coach-storage-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, ".coach", "coach.db")
	db, err := Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("expected database file at %s: %v", dbPath, err)
	}
}

func TestOpenExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "coach-storage-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "coach.db")

	db, err := Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	ctx := context.Background()
	_, err = db.Exec(ctx, `
		INSERT INTO calls (id, rep, rep_role, created_at)
		VALUES ('call-1', 'alice', 'sdr', '2025-01-01T00:00:00Z')
	`)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reopening must run the migration path, not re-initialize
	db2, err := Open(dbPath, testLogger())
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer func() { _ = db2.Close() }()

	var rep string
	err = db2.QueryRow(ctx, "SELECT rep FROM calls WHERE id = 'call-1'").Scan(&rep)
	if err != nil {
		t.Fatalf("expected row to survive reopen: %v", err)
	}
	if rep != "alice" {
		t.Errorf("rep = %q, want %q", rep, "alice")
	}
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory(testLogger())
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer func() { _ = db.Close() }()

	var name string
	err = db.Conn().QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='analysis_cache'
	`).Scan(&name)
	if err != nil {
		t.Errorf("expected analysis_cache table in memory db: %v", err)
	}
}

func TestWithTx(t *testing.T) {
	db, err := OpenMemory(testLogger())
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("commit on success", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO calls (id, rep, rep_role, created_at)
				VALUES ('tx-commit', 'bob', 'ae', '2025-01-01T00:00:00Z')
			`)
			return err
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		var count int
		err = db.QueryRow(ctx, "SELECT COUNT(*) FROM calls WHERE id = 'tx-commit'").Scan(&count)
		if err != nil {
			t.Fatalf("count query failed: %v", err)
		}
		if count != 1 {
			t.Errorf("count = %d, want 1", count)
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		wantErr := errors.New("boom")
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				INSERT INTO calls (id, rep, rep_role, created_at)
				VALUES ('tx-rollback', 'carol', 'sdr', '2025-01-01T00:00:00Z')
			`); err != nil {
				return err
			}
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("WithTx error = %v, want %v", err, wantErr)
		}

		var count int
		err = db.QueryRow(ctx, "SELECT COUNT(*) FROM calls WHERE id = 'tx-rollback'").Scan(&count)
		if err != nil {
			t.Fatalf("count query failed: %v", err)
		}
		if count != 0 {
			t.Errorf("count = %d, want 0 after rollback", count)
		}
	})
}

func TestSchemaConstraints(t *testing.T) {
	db, err := OpenMemory(testLogger())
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("rubric version uniqueness", func(t *testing.T) {
		_, err := db.Exec(ctx, `
			INSERT INTO rubric_versions (id, category, version, name, created_at)
			VALUES ('rv-1', 'coaching', '1.0.0', 'Baseline', '2025-01-01T00:00:00Z')
		`)
		if err != nil {
			t.Fatalf("first insert failed: %v", err)
		}

		_, err = db.Exec(ctx, `
			INSERT INTO rubric_versions (id, category, version, name, created_at)
			VALUES ('rv-2', 'coaching', '1.0.0', 'Duplicate', '2025-01-01T00:00:00Z')
		`)
		if err == nil {
			t.Error("expected duplicate (category, version) to be rejected")
		}
	})

	t.Run("criteria require existing version", func(t *testing.T) {
		_, err := db.Exec(ctx, `
			INSERT INTO rubric_criteria (id, version_id, role, dimension, name, weight, max_score, created_at, updated_at)
			VALUES ('rc-orphan', 'rv-missing', 'sdr', 'discovery', 'Discovery', 30, 100, '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')
		`)
		if err == nil {
			t.Error("expected foreign key violation for missing version")
		}
	})

	t.Run("criteria weight range", func(t *testing.T) {
		_, err := db.Exec(ctx, `
			INSERT INTO rubric_criteria (id, version_id, role, dimension, name, weight, max_score, created_at, updated_at)
			VALUES ('rc-bad', 'rv-1', 'sdr', 'discovery', 'Discovery', 101, 100, '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')
		`)
		if err == nil {
			t.Error("expected weight > 100 to be rejected")
		}
	})

	t.Run("one review per manager per call", func(t *testing.T) {
		_, err := db.Exec(ctx, `
			INSERT INTO manager_reviews (id, call_id, manager, scores_json, ai_snapshot_json, agreement_level, created_at, updated_at)
			VALUES ('mr-1', 'call-9', 'dana', '{}', '{}', 'high', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')
		`)
		if err != nil {
			t.Fatalf("first review insert failed: %v", err)
		}

		_, err = db.Exec(ctx, `
			INSERT INTO manager_reviews (id, call_id, manager, scores_json, ai_snapshot_json, agreement_level, created_at, updated_at)
			VALUES ('mr-2', 'call-9', 'dana', '{}', '{}', 'low', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')
		`)
		if err == nil {
			t.Error("expected duplicate (call_id, manager) to be rejected")
		}
	})

	t.Run("training examples cascade with review", func(t *testing.T) {
		_, err := db.Exec(ctx, `
			INSERT INTO training_examples (id, review_id, call_id, dimension, manager_score, ai_score, score_delta, delta_category, created_at)
			VALUES ('te-1', 'mr-1', 'call-9', 'discovery', 85, 72, 13, 'minor_underestimate', '2025-01-01T00:00:00Z')
		`)
		if err != nil {
			t.Fatalf("training example insert failed: %v", err)
		}

		_, err = db.Exec(ctx, "DELETE FROM manager_reviews WHERE id = 'mr-1'")
		if err != nil {
			t.Fatalf("review delete failed: %v", err)
		}

		var count int
		err = db.QueryRow(ctx, "SELECT COUNT(*) FROM training_examples WHERE review_id = 'mr-1'").Scan(&count)
		if err != nil {
			t.Fatalf("count query failed: %v", err)
		}
		if count != 0 {
			t.Errorf("count = %d, want 0 after cascade delete", count)
		}
	})
}
