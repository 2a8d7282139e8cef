// Package storage provides the SQLite-backed persistence layer for
// audit events.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// AuditStore provides persistent storage for audit events.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the audit database at dbPath.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode keeps the proxy hot path from blocking on audit writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &AuditStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("audit storage initialized", "path", dbPath)
	return store, nil
}

func (s *AuditStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		caller TEXT NOT NULL,
		action TEXT NOT NULL,
		record TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_events_caller ON audit_events(caller);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save persists one audit event. The record is the full JSON document;
// caller and action are duplicated into columns for indexed filtering.
func (s *AuditStore) Save(ts time.Time, caller, action string, record []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_events (ts, caller, action, record)
		VALUES (?, ?, ?, ?)`,
		ts, caller, action, string(record),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// Query returns the most recent audit records whose JSON contains the
// substring q (all records when q is empty), newest first.
func (s *AuditStore) Query(q string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT record FROM audit_events"
	args := []interface{}{}
	if q != "" {
		query += " WHERE record LIKE ?"
		args = append(args, "%"+q+"%")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		records = append(records, json.RawMessage(record))
	}
	return records, rows.Err()
}

// Stats holds aggregate audit counters.
type Stats struct {
	TotalEvents    int64            `json:"total_events"`
	EventsByAction map[string]int64 `json:"events_by_action"`
	EventsByCaller map[string]int64 `json:"events_by_caller"`
}

// GetStats returns aggregate counters, optionally limited to events at
// or after since.
func (s *AuditStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{
		EventsByAction: make(map[string]int64),
		EventsByCaller: make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND ts >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM audit_events %s", whereClause), args...)
	if err := row.Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT action, COUNT(*) FROM audit_events %s GROUP BY action", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get action stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		stats.EventsByAction[action] = count
	}

	rows, err = s.db.Query(fmt.Sprintf(
		"SELECT caller, COUNT(*) FROM audit_events %s GROUP BY caller", whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get caller stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var caller string
		var count int64
		if err := rows.Scan(&caller, &count); err != nil {
			return nil, err
		}
		stats.EventsByCaller[caller] = count
	}

	return stats, nil
}

// Cleanup removes audit events older than the retention window.
func (s *AuditStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM audit_events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old audit events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old audit events", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
