package logging

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE cycle_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id     TEXT NOT NULL,
		version_id   TEXT,
		trigger_type TEXT NOT NULL,
		decision     TEXT NOT NULL,
		reason       TEXT,
		batch_size   INTEGER NOT NULL,
		eligible     INTEGER NOT NULL,
		mean_score   REAL NOT NULL,
		step_norm    REAL NOT NULL,
		ewc_loss     REAL NOT NULL,
		duration_ms  INTEGER NOT NULL,
		metrics_json TEXT,
		created_at   TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-cycle-tests
func TestLogCycle_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := CycleEntry{
		CycleID:     "c1",
		VersionID:   "v1",
		TriggerType: "force",
		Decision:    "commit",
		Reason:      "samples: 2",
		BatchSize:   3,
		Eligible:    2,
		MeanScore:   0.8,
		StepNorm:    0.25,
		MetricsJSON: `{"gate_action":"commit"}`,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogCycle(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM cycle_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var versionID, decision string
	var meanScore float64
	db.QueryRow("SELECT version_id, decision, mean_score FROM cycle_log").Scan(&versionID, &decision, &meanScore)
	if versionID != "v1" {
		t.Errorf("expected version_id 'v1', got %q", versionID)
	}
	if decision != "commit" {
		t.Errorf("expected decision 'commit', got %q", decision)
	}
	if meanScore < 0.79 || meanScore > 0.81 {
		t.Errorf("expected mean_score 0.8, got %f", meanScore)
	}
}

func TestLogCycle_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	if err := NewCycleLog(db).LogCycle(CycleEntry{CycleID: "c2", TriggerType: "time", Decision: "no_op"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM cycle_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogCycle_EmptyOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	if err := LogCycle(db, CycleEntry{CycleID: "c3", TriggerType: "force", Decision: "reject"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var versionID, reason, metrics sql.NullString
	db.QueryRow("SELECT version_id, reason, metrics_json FROM cycle_log").Scan(&versionID, &reason, &metrics)
	if versionID.Valid {
		t.Error("expected NULL version_id for empty string")
	}
	if reason.Valid {
		t.Error("expected NULL reason for empty string")
	}
	if metrics.Valid {
		t.Error("expected NULL metrics_json for empty string")
	}
}

func TestLogCycle_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogCycle(db, CycleEntry{CycleID: "c4", TriggerType: "force", Decision: "commit"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion log-cycle-tests

// #region logger-tests
func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{true, false} {
		logger, err := NewLogger(debug)
		if err != nil {
			t.Fatalf("NewLogger(%v): %v", debug, err)
		}
		if logger.Core().Enabled(-1) != debug {
			t.Errorf("debug level enabled = %v, want %v", !debug, debug)
		}
	}
}

// #endregion logger-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	if result := nullIfEmpty(""); result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	if result := nullIfEmpty("hello"); result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
