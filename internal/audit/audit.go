// Package audit writes the append-only decision trail: one JSONL line
// per redaction, detokenization, block, or route decision. Records
// carry counts and categories only, never raw sensitive values.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"veil/internal/policy"
	"veil/internal/storage"
)

// Record is one audit event.
type Record struct {
	Time            time.Time        `json:"ts"`
	Caller          string           `json:"caller,omitempty"`
	Context         policy.Context   `json:"context"`
	Action          string           `json:"action"`
	Categories      []string         `json:"categories,omitempty"`
	Decision        *policy.Decision `json:"decision,omitempty"`
	RedactionCounts map[string]int   `json:"redaction_counts,omitempty"`
	Target          string           `json:"target,omitempty"`
	PolicyVersion   string           `json:"policy_version,omitempty"`
}

// Logger appends records to a local JSONL file and optionally mirrors
// them to SQLite and a SIEM shipper. The local file is the trail of
// record; mirror failures are logged and never fail the write.
type Logger struct {
	mu      sync.Mutex
	path    string
	store   *storage.AuditStore
	shipper Shipper
}

// NewLogger creates a logger writing to path. store and shipper may be
// nil.
func NewLogger(path string, store *storage.AuditStore, shipper Shipper) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	return &Logger{path: path, store: store, shipper: shipper}, nil
}

// SIEMEnabled reports whether a shipper is configured.
func (l *Logger) SIEMEnabled() bool {
	return l.shipper != nil
}

// Write appends one record to the audit trail.
func (l *Logger) Write(r Record) error {
	if r.Time.IsZero() {
		r.Time = time.Now().UTC()
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	l.mu.Lock()
	err = l.appendLine(line)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if l.store != nil {
		if err := l.store.Save(r.Time, r.Caller, r.Action, line); err != nil {
			slog.Error("audit sqlite mirror failed", "error", err)
		}
	}
	if l.shipper != nil {
		if err := l.shipper.Ship(r); err != nil {
			slog.Error("audit siem shipping failed", "error", err)
		}
	}
	return nil
}

func (l *Logger) appendLine(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}

// Query returns the most recent records whose JSON contains q
// (case-insensitive; all records when q is empty), newest first. The
// SQLite mirror is preferred when present.
func (l *Logger) Query(q string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	if l.store != nil {
		return l.store.Query(q, limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	needle := strings.ToLower(q)
	var results []json.RawMessage
	for i := len(lines) - 1; i >= 0 && len(results) < limit; i-- {
		if q != "" && !strings.Contains(strings.ToLower(lines[i]), needle) {
			continue
		}
		results = append(results, json.RawMessage(lines[i]))
	}
	return results, nil
}

// Close flushes any buffered shipper state.
func (l *Logger) Close() error {
	if flusher, ok := l.shipper.(interface{ Flush() }); ok {
		flusher.Flush()
	}
	return nil
}
