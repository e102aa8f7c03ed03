// Package state persists Base-adapter checkpoints and the consolidation cycle log in SQLite.
package state

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	version_id     TEXT PRIMARY KEY,
	parent_id      TEXT,
	anchor_version INTEGER NOT NULL,
	hidden_dim     INTEGER NOT NULL,
	lora_rank      INTEGER NOT NULL,
	num_layers     INTEGER NOT NULL,
	weights        BLOB NOT NULL,
	importance     BLOB NOT NULL,
	created_at     TEXT NOT NULL,
	metrics_json   TEXT,
	FOREIGN KEY (parent_id) REFERENCES checkpoints(version_id)
);

CREATE TABLE IF NOT EXISTS cycle_log (
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
	created_at   TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES checkpoints(version_id)
);

CREATE TABLE IF NOT EXISTS active_checkpoint (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version_id TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES checkpoints(version_id)
);
`

// #endregion schema

// #region store-struct
// Store manages versioned checkpoints in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per connection; one connection keeps foreign_keys in force.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region commit-checkpoint
// CommitCheckpoint inserts a checkpoint and moves the active pointer to it atomically.
func (s *Store) CommitCheckpoint(cp Checkpoint) error {
	if err := validateShape(cp); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentPtr interface{}
	if cp.ParentID != "" {
		parentPtr = cp.ParentID
	}
	var metricsPtr interface{}
	if cp.MetricsJSON != "" {
		metricsPtr = cp.MetricsJSON
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(
		`INSERT INTO checkpoints (version_id, parent_id, anchor_version, hidden_dim, lora_rank, num_layers, weights, importance, created_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.VersionID, parentPtr, int64(cp.AnchorVersion), cp.HiddenDim, cp.Rank, cp.NumLayers,
		encodeLayers(cp.Weights), encodeLayers(cp.Importance),
		cp.CreatedAt.Format(time.RFC3339Nano), metricsPtr,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_checkpoint (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		cp.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	return tx.Commit()
}

func validateShape(cp Checkpoint) error {
	if cp.VersionID == "" {
		return fmt.Errorf("%w: checkpoint without version id", errs.ErrInvalidInput)
	}
	if len(cp.Weights) != cp.NumLayers || len(cp.Importance) != cp.NumLayers {
		return fmt.Errorf("%w: checkpoint has %d weight and %d importance layers, want %d",
			errs.ErrInvalidInput, len(cp.Weights), len(cp.Importance), cp.NumLayers)
	}
	per := cp.ParamsPerLayer()
	for l := 0; l < cp.NumLayers; l++ {
		if len(cp.Weights[l]) != per || len(cp.Importance[l]) != per {
			return fmt.Errorf("%w: layer %d has the wrong length", errs.ErrInvalidInput, l)
		}
	}
	return nil
}

// #endregion commit-checkpoint

// #region get-active
// GetActive reads the active checkpoint. It returns errs.ErrNotFound when nothing was committed yet.
func (s *Store) GetActive() (Checkpoint, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_checkpoint WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w: no active checkpoint", errs.ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetCheckpoint(versionID)
}

// #endregion get-active

// #region get-checkpoint
const checkpointColumns = `version_id, parent_id, anchor_version, hidden_dim, lora_rank, num_layers, weights, importance, created_at, metrics_json`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var parentID, metricsJSON sql.NullString
	var anchorVersion int64
	var weightsBlob, importanceBlob []byte
	var createdStr string

	err := row.Scan(&cp.VersionID, &parentID, &anchorVersion, &cp.HiddenDim, &cp.Rank, &cp.NumLayers,
		&weightsBlob, &importanceBlob, &createdStr, &metricsJSON)
	if err != nil {
		return Checkpoint{}, err
	}
	if parentID.Valid {
		cp.ParentID = parentID.String
	}
	if metricsJSON.Valid {
		cp.MetricsJSON = metricsJSON.String
	}
	cp.AnchorVersion = uint64(anchorVersion)
	per := cp.ParamsPerLayer()
	cp.Weights = decodeLayers(weightsBlob, cp.NumLayers, per)
	cp.Importance = decodeLayers(importanceBlob, cp.NumLayers, per)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return cp, nil
}

// GetCheckpoint retrieves a specific checkpoint by ID.
func (s *Store) GetCheckpoint(id string) (Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE version_id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// #endregion get-checkpoint

// #region rollback
// Rollback sets the active pointer to a previous checkpoint.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM checkpoints WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check checkpoint: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: checkpoint %s", errs.ErrNotFound, targetVersionID)
	}

	_, err = s.db.Exec(
		`INSERT INTO active_checkpoint (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		targetVersionID,
	)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list
// ListCheckpoints returns the most recent checkpoints, newest first.
func (s *Store) ListCheckpoints(limit int) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT `+checkpointColumns+` FROM checkpoints ORDER BY anchor_version DESC, created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ListCycles returns the most recent cycle log rows, newest first.
func (s *Store) ListCycles(limit int) ([]CycleRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, cycle_id, version_id, trigger_type, decision, reason, batch_size, eligible,
		        mean_score, step_norm, ewc_loss, duration_ms, metrics_json, created_at
		 FROM cycle_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		var versionID, reason, metricsJSON sql.NullString
		var meanScore, stepNorm, ewcLoss float64
		var createdStr string
		if err := rows.Scan(&rec.ID, &rec.CycleID, &versionID, &rec.Trigger, &rec.Decision, &reason,
			&rec.BatchSize, &rec.Eligible, &meanScore, &stepNorm, &ewcLoss, &rec.DurationMs,
			&metricsJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.VersionID = versionID.String
		rec.Reason = reason.String
		rec.MetricsJSON = metricsJSON.String
		rec.MeanScore = float32(meanScore)
		rec.StepNorm = float32(stepNorm)
		rec.EWCLoss = float32(ewcLoss)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion list

// #region vector-encoding
func encodeLayers(layers [][]float32) []byte {
	n := 0
	for _, l := range layers {
		n += len(l)
	}
	buf := make([]byte, 0, n*4)
	for _, l := range layers {
		for _, f := range l {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	return buf
}

func decodeLayers(b []byte, layers, per int) [][]float32 {
	out := make([][]float32, layers)
	for l := range out {
		v := make([]float32, per)
		for i := range v {
			off := (l*per + i) * 4
			if off+4 <= len(b) {
				v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			}
		}
		out[l] = v
	}
	return out
}

// #endregion vector-encoding
