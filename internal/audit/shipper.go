package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Shipper forwards audit records to an external SIEM.
type Shipper interface {
	Ship(r Record) error
	ShipBatch(records []Record) error
}

// SplunkHECShipper posts records to a Splunk HTTP Event Collector.
type SplunkHECShipper struct {
	url        string
	token      string
	source     string
	sourcetype string
	client     *http.Client
}

// NewSplunkHECShipper builds a shipper for the collector at hecURL.
func NewSplunkHECShipper(hecURL, token string) *SplunkHECShipper {
	return &SplunkHECShipper{
		url:        strings.TrimRight(hecURL, "/") + "/services/collector/event",
		token:      token,
		source:     "veil",
		sourcetype: "_json",
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SplunkHECShipper) Ship(r Record) error {
	payload := map[string]any{
		"time":       float64(r.Time.UnixNano()) / float64(time.Second),
		"host":       hostname(),
		"source":     s.source,
		"sourcetype": s.sourcetype,
		"event":      r,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling hec payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Splunk "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to splunk hec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("splunk hec returned %d", resp.StatusCode)
	}
	return nil
}

func (s *SplunkHECShipper) ShipBatch(records []Record) error {
	for _, r := range records {
		if err := s.Ship(r); err != nil {
			return err
		}
	}
	return nil
}

// SyslogShipper sends records as RFC 5424 messages over UDP.
type SyslogShipper struct {
	conn     net.Conn
	facility int
	appName  string
}

// NewSyslogShipper dials the syslog collector at host:port.
func NewSyslogShipper(host string, port int) (*SyslogShipper, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("dialing syslog: %w", err)
	}
	return &SyslogShipper{conn: conn, facility: 16, appName: "veil"}, nil
}

func (s *SyslogShipper) Ship(r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling syslog record: %w", err)
	}

	// Severity INFO.
	priority := s.facility*8 + 6
	msg := fmt.Sprintf("<%d>1 %s %s %s - - - %s",
		priority,
		time.Now().UTC().Format(time.RFC3339),
		hostname(),
		s.appName,
		body,
	)
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("sending syslog message: %w", err)
	}
	return nil
}

func (s *SyslogShipper) ShipBatch(records []Record) error {
	for _, r := range records {
		if err := s.Ship(r); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the UDP socket.
func (s *SyslogShipper) Close() error {
	return s.conn.Close()
}

const bufferedMaxRecords = 1000

// BufferedShipper batches records for a wrapped shipper, flushing on
// batch size or elapsed interval.
type BufferedShipper struct {
	mu            sync.Mutex
	inner         Shipper
	batchSize     int
	flushInterval time.Duration
	buffer        []Record
	lastFlush     time.Time
}

// NewBufferedShipper wraps inner with batching.
func NewBufferedShipper(inner Shipper, batchSize int, flushInterval time.Duration) *BufferedShipper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BufferedShipper{
		inner:         inner,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
	}
}

func (b *BufferedShipper) Ship(r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer = append(b.buffer, r)
	if len(b.buffer) > bufferedMaxRecords {
		b.buffer = b.buffer[len(b.buffer)-bufferedMaxRecords:]
	}

	if len(b.buffer) >= b.batchSize || time.Since(b.lastFlush) >= b.flushInterval {
		return b.flushLocked()
	}
	return nil
}

func (b *BufferedShipper) ShipBatch(records []Record) error {
	return b.inner.ShipBatch(records)
}

// Flush drains any buffered records immediately.
func (b *BufferedShipper) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked() //nolint:errcheck
}

func (b *BufferedShipper) flushLocked() error {
	if len(b.buffer) == 0 {
		return nil
	}
	records := b.buffer
	b.buffer = nil
	b.lastFlush = time.Now()
	return b.inner.ShipBatch(records)
}

func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "veil"
}
