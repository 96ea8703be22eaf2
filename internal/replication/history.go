package replication

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Attempt triggers recorded in the history
const (
	TriggerReconcile = "reconcile"
	TriggerExplicit  = "explicit"
)

// AttemptRecord is one stored replication attempt
type AttemptRecord struct {
	ID          string    `json:"id"`
	CID         string    `json:"cid"`
	Backend     string    `json:"backend"`
	Trigger     string    `json:"trigger"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// History is the SQLite-backed replication attempt log
type History struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenHistory opens (or creates) the attempt log at dbPath
func OpenHistory(dbPath string, logger *logrus.Logger) (*History, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Replication history store initialized")
	return &History{db: db, logger: logger}, nil
}

// Record stores an attempt, assigning its ID when empty
func (h *History) Record(ctx context.Context, rec *AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now()
	}
	if rec.Trigger == "" {
		rec.Trigger = TriggerReconcile
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO replication_attempts (
			id, cid, backend, origin, success, message, error_message, duration_ms, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.CID, rec.Backend, rec.Trigger, boolToInt(rec.Success),
		rec.Message, rec.Error, rec.DurationMs, rec.AttemptedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert replication attempt: %w", err)
	}
	return nil
}

// ForCID returns the most recent attempts for cid, newest first
func (h *History) ForCID(ctx context.Context, cid string, limit int) ([]AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, cid, backend, origin, success, message, error_message, duration_ms, attempted_at
		FROM replication_attempts
		WHERE cid = ?
		ORDER BY attempted_at DESC
		LIMIT ?
	`, cid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query replication attempts: %w", err)
	}
	defer rows.Close()

	records := []AttemptRecord{}
	for rows.Next() {
		var rec AttemptRecord
		var success int
		var attemptedAt int64
		if err := rows.Scan(&rec.ID, &rec.CID, &rec.Backend, &rec.Trigger, &success,
			&rec.Message, &rec.Error, &rec.DurationMs, &attemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan replication attempt: %w", err)
		}
		rec.Success = success == 1
		rec.AttemptedAt = time.Unix(0, attemptedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Cleanup removes attempts older than the retention window
func (h *History) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixNano()

	res, err := h.db.ExecContext(ctx, `DELETE FROM replication_attempts WHERE attempted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up replication attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		h.logger.WithField("deleted", n).Info("Cleaned up old replication attempts")
	}
	return n, nil
}

// Close closes the database
func (h *History) Close() error {
	return h.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
