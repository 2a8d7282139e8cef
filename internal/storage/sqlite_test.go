package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditStore_SaveAndQuery(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	events := []struct {
		caller string
		action string
		record string
	}{
		{"app-1", "redact", `{"action":"redact","caller":"app-1","redaction_counts":{"pii":2}}`},
		{"app-2", "block", `{"action":"block","caller":"app-2","categories":["secret"]}`},
		{"app-1", "detokenize", `{"action":"detokenize","caller":"app-1"}`},
	}
	for i, e := range events {
		if err := store.Save(now.Add(time.Duration(i)*time.Second), e.caller, e.action, []byte(e.record)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	records, err := store.Query("", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	// Newest first.
	var first map[string]any
	if err := json.Unmarshal(records[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["action"] != "detokenize" {
		t.Errorf("expected newest record first, got action=%v", first["action"])
	}
}

func TestAuditStore_QueryFilter(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	store.Save(now, "app-1", "redact", []byte(`{"action":"redact","caller":"app-1"}`))
	store.Save(now, "app-2", "block", []byte(`{"action":"block","caller":"app-2"}`))

	records, err := store.Query("block", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	records, err = store.Query("no-such-term", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestAuditStore_QueryLimit(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		store.Save(now.Add(time.Duration(i)*time.Second), "app", "redact", []byte(`{"action":"redact"}`))
	}

	records, err := store.Query("", 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("expected 3 records, got %d", len(records))
	}
}

func TestAuditStore_Stats(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	store.Save(now, "app-1", "redact", []byte(`{}`))
	store.Save(now, "app-1", "redact", []byte(`{}`))
	store.Save(now, "app-2", "block", []byte(`{}`))

	stats, err := store.GetStats(nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("total=%d, want 3", stats.TotalEvents)
	}
	if stats.EventsByAction["redact"] != 2 || stats.EventsByAction["block"] != 1 {
		t.Errorf("unexpected action counts: %v", stats.EventsByAction)
	}
	if stats.EventsByCaller["app-1"] != 2 {
		t.Errorf("unexpected caller counts: %v", stats.EventsByCaller)
	}
}

func TestAuditStore_Cleanup(t *testing.T) {
	store := newTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -100)
	store.Save(old, "app", "redact", []byte(`{"age":"old"}`))
	store.Save(time.Now().UTC(), "app", "redact", []byte(`{"age":"new"}`))

	deleted, err := store.Cleanup(30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted=%d, want 1", deleted)
	}

	records, _ := store.Query("", 10)
	if len(records) != 1 {
		t.Errorf("expected 1 surviving record, got %d", len(records))
	}
}
