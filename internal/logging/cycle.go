// Package logging writes consolidation provenance to SQLite and builds the process logger.
package logging

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// #region log-cycle
// LogCycle writes a cycle entry to the cycle_log table.
func LogCycle(db *sql.DB, entry CycleEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO cycle_log (cycle_id, version_id, trigger_type, decision, reason, batch_size, eligible,
		 mean_score, step_norm, ewc_loss, duration_ms, metrics_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CycleID,
		nullIfEmpty(entry.VersionID),
		entry.TriggerType,
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.BatchSize,
		entry.Eligible,
		float64(entry.MeanScore),
		float64(entry.StepNorm),
		float64(entry.EWCLoss),
		entry.DurationMs,
		nullIfEmpty(entry.MetricsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log cycle: %w", err)
	}
	return nil
}

// #endregion log-cycle

// #region cycle-log
// CycleLog binds LogCycle to one database.
type CycleLog struct {
	db *sql.DB
}

// NewCycleLog creates a CycleLog writing to db.
func NewCycleLog(db *sql.DB) *CycleLog {
	return &CycleLog{db: db}
}

// LogCycle writes one entry.
func (l *CycleLog) LogCycle(entry CycleEntry) error {
	return LogCycle(l.db, entry)
}

// #endregion cycle-log

// #region logger
// NewLogger returns a development logger when debug is set, a production logger otherwise.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// #endregion logger

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
