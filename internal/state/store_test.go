package state

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeCheckpoint(id, parent string, version uint64, fill float32) Checkpoint {
	cp := Checkpoint{
		VersionID:     id,
		ParentID:      parent,
		AnchorVersion: version,
		HiddenDim:     4,
		Rank:          2,
		NumLayers:     2,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, int(version), 0, time.UTC),
	}
	for l := 0; l < cp.NumLayers; l++ {
		w := make([]float32, cp.ParamsPerLayer())
		imp := make([]float32, cp.ParamsPerLayer())
		for i := range w {
			w[i] = fill + float32(l*100+i)*0.01
			imp[i] = float32(i) * 0.5
		}
		cp.Weights = append(cp.Weights, w)
		cp.Importance = append(cp.Importance, imp)
	}
	return cp
}

func TestCommitAndGetActive(t *testing.T) {
	s := tempDB(t)
	cp := makeCheckpoint("v1", "", 1, 0.5)
	cp.MetricsJSON = `{"step_norm":0.1}`

	if err := s.CommitCheckpoint(cp); err != nil {
		t.Fatalf("CommitCheckpoint: %v", err)
	}

	got, err := s.GetActive()
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if got.VersionID != "v1" || got.AnchorVersion != 1 || got.NumLayers != 2 {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.MetricsJSON != cp.MetricsJSON {
		t.Fatalf("MetricsJSON mismatch: got %q", got.MetricsJSON)
	}
	for l := range cp.Weights {
		for i := range cp.Weights[l] {
			if got.Weights[l][i] != cp.Weights[l][i] {
				t.Fatalf("weight mismatch at %d/%d: %f != %f", l, i, got.Weights[l][i], cp.Weights[l][i])
			}
			if got.Importance[l][i] != cp.Importance[l][i] {
				t.Fatalf("importance mismatch at %d/%d", l, i)
			}
		}
	}
	if !got.CreatedAt.Equal(cp.CreatedAt) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}
}

func TestGetActiveEmpty(t *testing.T) {
	s := tempDB(t)
	_, err := s.GetActive()
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitChainAndRollback(t *testing.T) {
	s := tempDB(t)
	if err := s.CommitCheckpoint(makeCheckpoint("v1", "", 1, 0)); err != nil {
		t.Fatalf("commit v1: %v", err)
	}
	if err := s.CommitCheckpoint(makeCheckpoint("v2", "v1", 2, 1)); err != nil {
		t.Fatalf("commit v2: %v", err)
	}

	cur, _ := s.GetActive()
	if cur.VersionID != "v2" || cur.ParentID != "v1" {
		t.Fatalf("expected v2 with parent v1, got %s/%s", cur.VersionID, cur.ParentID)
	}

	if err := s.Rollback("v1"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	cur, _ = s.GetActive()
	if cur.VersionID != "v1" {
		t.Fatalf("expected v1 after rollback, got %s", cur.VersionID)
	}
}

func TestCommitUnknownParentFails(t *testing.T) {
	s := tempDB(t)
	err := s.CommitCheckpoint(makeCheckpoint("v2", "missing", 2, 0))
	if err == nil {
		t.Fatal("expected foreign key error for unknown parent")
	}
	if _, err := s.GetActive(); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("failed commit must not move the active pointer: %v", err)
	}
}

func TestCommitRejectsBadShape(t *testing.T) {
	s := tempDB(t)
	cp := makeCheckpoint("v1", "", 1, 0)
	cp.Weights[1] = cp.Weights[1][:3]
	if err := s.CommitCheckpoint(cp); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	cp = makeCheckpoint("", "", 1, 0)
	if err := s.CommitCheckpoint(cp); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestRollbackNonExistent(t *testing.T) {
	s := tempDB(t)
	s.CommitCheckpoint(makeCheckpoint("v1", "", 1, 0))

	err := s.Rollback("nonexistent-id")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetCheckpointNotFound(t *testing.T) {
	s := tempDB(t)
	_, err := s.GetCheckpoint("nonexistent-id")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListCheckpoints(t *testing.T) {
	s := tempDB(t)
	s.CommitCheckpoint(makeCheckpoint("v1", "", 1, 0))
	s.CommitCheckpoint(makeCheckpoint("v2", "v1", 2, 0))
	s.CommitCheckpoint(makeCheckpoint("v3", "v2", 3, 0))

	list, err := s.ListCheckpoints(2)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(list))
	}
	if list[0].VersionID != "v3" || list[1].VersionID != "v2" {
		t.Fatalf("expected newest first, got %s, %s", list[0].VersionID, list[1].VersionID)
	}
}

func TestListCycles(t *testing.T) {
	s := tempDB(t)
	s.CommitCheckpoint(makeCheckpoint("v1", "", 1, 0))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, v := range []interface{}{"v1", nil} {
		_, err := s.DB().Exec(
			`INSERT INTO cycle_log (cycle_id, version_id, trigger_type, decision, reason, batch_size, eligible,
			 mean_score, step_norm, ewc_loss, duration_ms, metrics_json, created_at)
			 VALUES (?, ?, 'force', ?, 'r', 3, 2, 0.8, 0.1, 0, 1, NULL, ?)`,
			[]string{"c1", "c2"}[i], v, []string{"commit", "reject"}[i], now,
		)
		if err != nil {
			t.Fatalf("insert cycle: %v", err)
		}
	}

	cycles, err := s.ListCycles(10)
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("expected 2 cycles, got %d", len(cycles))
	}
	if cycles[0].CycleID != "c2" || cycles[0].VersionID != "" || cycles[0].Decision != "reject" {
		t.Fatalf("unexpected newest cycle: %+v", cycles[0])
	}
	if cycles[1].VersionID != "v1" || cycles[1].Eligible != 2 {
		t.Fatalf("unexpected oldest cycle: %+v", cycles[1])
	}
}

func TestLayerRoundTrip(t *testing.T) {
	original := [][]float32{{0.1, -2, 3.5}, {0, 1e-7, -1e7}}
	decoded := decodeLayers(encodeLayers(original), 2, 3)
	for l := range original {
		for i := range original[l] {
			if original[l][i] != decoded[l][i] {
				t.Fatalf("mismatch at %d/%d: %f != %f", l, i, original[l][i], decoded[l][i])
			}
		}
	}
}

func TestNewStoreInvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "test.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestDBAccessor(t *testing.T) {
	s := tempDB(t)
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestOperationsOnClosedDB(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(filepath.Join(dir, "test.db"))
	s.CommitCheckpoint(makeCheckpoint("v1", "", 1, 0))
	s.Close()

	if err := s.CommitCheckpoint(makeCheckpoint("v2", "v1", 2, 0)); err == nil {
		t.Fatal("expected commit error on closed DB")
	}
	if err := s.Rollback("v1"); err == nil {
		t.Fatal("expected rollback error on closed DB")
	}
	if _, err := s.GetActive(); err == nil {
		t.Fatal("expected get error on closed DB")
	}
	if _, err := s.ListCheckpoints(10); err == nil {
		t.Fatal("expected list error on closed DB")
	}
}

// corruptDB opens an in-memory SQLite with full schema via NewStoreWithDB so tests can drop tables.
func corruptDB(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	s := NewStoreWithDB(db)
	t.Cleanup(func() { db.Close() })
	return s, db
}

func TestCommitCheckpoint_SetActiveFails(t *testing.T) {
	s, db := corruptDB(t)
	db.Exec("DROP TABLE active_checkpoint")

	if err := s.CommitCheckpoint(makeCheckpoint("v1", "", 1, 0)); err == nil {
		t.Fatal("expected error when active_checkpoint table is missing")
	}
	// The insert was rolled back with the transaction.
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&n)
	if n != 0 {
		t.Fatalf("expected no checkpoint rows after failed commit, got %d", n)
	}
}

func TestListCheckpoints_QueryFails(t *testing.T) {
	s, db := corruptDB(t)
	db.Exec("DROP TABLE cycle_log")
	db.Exec("DROP TABLE active_checkpoint")
	db.Exec("DROP TABLE checkpoints")

	if _, err := s.ListCheckpoints(10); err == nil {
		t.Fatal("expected error when checkpoints table is missing")
	}
}
