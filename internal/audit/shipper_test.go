package audit

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSplunkHECShipper(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	shipper := NewSplunkHECShipper(server.URL, "hec-token-123")
	record := Record{Time: time.Now().UTC(), Caller: "app", Action: "redact"}
	if err := shipper.Ship(record); err != nil {
		t.Fatalf("ship: %v", err)
	}

	if gotPath != "/services/collector/event" {
		t.Errorf("path=%s", gotPath)
	}
	if gotAuth != "Splunk hec-token-123" {
		t.Errorf("auth=%s", gotAuth)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["sourcetype"] != "_json" || payload["source"] != "veil" {
		t.Errorf("unexpected envelope: %v", payload)
	}
	event, ok := payload["event"].(map[string]any)
	if !ok || event["action"] != "redact" {
		t.Errorf("event not embedded: %v", payload["event"])
	}
}

func TestSplunkHECShipper_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	shipper := NewSplunkHECShipper(server.URL, "bad-token")
	if err := shipper.Ship(Record{Action: "redact"}); err == nil {
		t.Error("expected error for non-2xx response")
	}
}

func TestSyslogShipper(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	shipper, err := NewSyslogShipper("127.0.0.1", addr.Port)
	if err != nil {
		t.Fatalf("new shipper: %v", err)
	}
	defer shipper.Close()

	if err := shipper.Ship(Record{Caller: "app", Action: "block"}); err != nil {
		t.Fatalf("ship: %v", err)
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64*1024)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg := string(buf[:n])

	// Facility 16, severity INFO.
	wantPriority := "<" + strconv.Itoa(16*8+6) + ">1 "
	if !strings.HasPrefix(msg, wantPriority) {
		t.Errorf("message %q missing priority prefix %q", msg, wantPriority)
	}
	if !strings.Contains(msg, `"action":"block"`) {
		t.Errorf("message %q missing record payload", msg)
	}
}

type captureShipper struct {
	mu      sync.Mutex
	batches [][]Record
}

func (c *captureShipper) Ship(r Record) error {
	return c.ShipBatch([]Record{r})
}

func (c *captureShipper) ShipBatch(records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, records)
	return nil
}

func TestBufferedShipper_FlushOnBatchSize(t *testing.T) {
	inner := &captureShipper{}
	buffered := NewBufferedShipper(inner, 3, time.Hour)

	for i := 0; i < 2; i++ {
		buffered.Ship(Record{Action: "redact"})
	}
	if len(inner.batches) != 0 {
		t.Fatalf("flushed early: %d batches", len(inner.batches))
	}

	buffered.Ship(Record{Action: "redact"})
	if len(inner.batches) != 1 || len(inner.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %v", inner.batches)
	}
}

func TestBufferedShipper_ExplicitFlush(t *testing.T) {
	inner := &captureShipper{}
	buffered := NewBufferedShipper(inner, 100, time.Hour)

	buffered.Ship(Record{Action: "redact"})
	buffered.Flush()

	if len(inner.batches) != 1 || len(inner.batches[0]) != 1 {
		t.Fatalf("expected one batch of 1 after flush, got %v", inner.batches)
	}

	// Second flush with an empty buffer is a no-op.
	buffered.Flush()
	if len(inner.batches) != 1 {
		t.Errorf("empty flush shipped a batch")
	}
}
