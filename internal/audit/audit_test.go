package audit

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"veil/internal/policy"
	"veil/internal/storage"
)

func TestLogger_WriteAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewLogger(path, nil, nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	records := []Record{
		{Caller: "app-1", Action: "redact", Categories: []string{"pii"}, RedactionCounts: map[string]int{"pii": 2}},
		{Caller: "app-2", Action: "block", Categories: []string{"secret"}},
		{Caller: "app-1", Action: "detokenize"},
	}
	for _, r := range records {
		if err := logger.Write(r); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	results, err := logger.Query("", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 records, got %d", len(results))
	}

	var newest Record
	if err := json.Unmarshal(results[0], &newest); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if newest.Action != "detokenize" {
		t.Errorf("expected newest first, got action=%s", newest.Action)
	}
	if newest.Time.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

func TestLogger_QueryFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, _ := NewLogger(path, nil, nil)

	logger.Write(Record{Caller: "app-1", Action: "redact"})
	logger.Write(Record{Caller: "app-2", Action: "block"})

	results, err := logger.Query("BLOCK", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 record for case-insensitive match, got %d", len(results))
	}

	results, _ = logger.Query("nothing-matches", 10)
	if len(results) != 0 {
		t.Errorf("expected no records, got %d", len(results))
	}
}

func TestLogger_QueryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, _ := NewLogger(path, nil, nil)

	for i := 0; i < 10; i++ {
		logger.Write(Record{Caller: "app", Action: "redact"})
	}
	results, err := logger.Query("", 4)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 4 {
		t.Errorf("expected 4 records, got %d", len(results))
	}
}

func TestLogger_QueryMissingFile(t *testing.T) {
	logger, _ := NewLogger(filepath.Join(t.TempDir(), "never-written.jsonl"), nil, nil)
	results, err := logger.Query("", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no records, got %d", len(results))
	}
}

func TestLogger_SQLiteMirror(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewAuditStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	logger, _ := NewLogger(filepath.Join(dir, "audit.jsonl"), store, nil)

	decision := &policy.Decision{Action: "redact", Target: "external:openai:gpt-4o", PolicyVersion: "3"}
	if err := logger.Write(Record{Caller: "app", Action: "redact", Decision: decision}); err != nil {
		t.Fatalf("write: %v", err)
	}

	results, err := logger.Query("gpt-4o", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 mirrored record, got %d", len(results))
	}

	var r Record
	if err := json.Unmarshal(results[0], &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Decision == nil || r.Decision.Target != "external:openai:gpt-4o" {
		t.Errorf("decision not preserved: %+v", r.Decision)
	}
}

func TestRecord_NoRawValuesShape(t *testing.T) {
	r := Record{
		Time:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Caller:          "app",
		Context:         policy.Context{Region: "us", ConversationID: "conv-1"},
		Action:          "redact",
		Categories:      []string{"pii", "secret"},
		RedactionCounts: map[string]int{"pii": 1, "secret": 1},
		PolicyVersion:   "3",
	}
	line, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"ts", "caller", "context", "action", "categories", "redaction_counts", "policy_version"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %q in serialized record", key)
		}
	}
}
