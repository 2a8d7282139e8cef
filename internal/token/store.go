package token

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidHandle is returned when a handle does not exist or has
// expired.
var ErrInvalidHandle = errors.New("invalid token map handle")

// DefaultTTL is the token map lifetime when none is configured.
const DefaultTTL = 4 * time.Hour

// Store is the scoped token map: placeholder -> raw value plus the
// category recorded at redaction time. Entries are append-only within
// a handle's lifetime; expired handles behave as empty.
type Store interface {
	// Create allocates a new empty token map and returns its handle.
	Create(ctx context.Context, ttl time.Duration) (string, error)

	// Put records a placeholder mapping under an existing handle.
	Put(ctx context.Context, handle, placeholder, raw, category string) error

	// Get returns the raw value and category for one placeholder.
	Get(ctx context.Context, handle, placeholder string) (raw, category string, ok bool, err error)

	// All returns the full placeholder->raw and placeholder->category
	// maps for a handle. Unknown or expired handles yield empty maps.
	All(ctx context.Context, handle string) (map[string]string, map[string]string, error)

	// Cleanup removes expired token maps where the backend does not do
	// so natively.
	Cleanup(ctx context.Context) error

	Close() error
}

// newHandle mints an opaque token map handle.
func newHandle() string {
	id := uuid.New()
	return "tm_" + hex.EncodeToString(id[:])[:12]
}

type memoryEntry struct {
	expiry time.Time
	kv     map[string]string
	meta   map[string]string
}

// MemoryStore is the in-process token map backend.
type MemoryStore struct {
	mu   sync.RWMutex
	maps map[string]*memoryEntry
}

// NewMemoryStore creates an empty in-memory token map store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{maps: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Create(_ context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	handle := newHandle()
	s.mu.Lock()
	s.maps[handle] = &memoryEntry{
		expiry: time.Now().Add(ttl),
		kv:     make(map[string]string),
		meta:   make(map[string]string),
	}
	s.mu.Unlock()
	return handle, nil
}

func (s *MemoryStore) Put(_ context.Context, handle, placeholder, raw, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.maps[handle]
	if !ok || time.Now().After(entry.expiry) {
		return ErrInvalidHandle
	}
	entry.kv[placeholder] = raw
	entry.meta[placeholder] = category
	return nil
}

func (s *MemoryStore) Get(_ context.Context, handle, placeholder string) (string, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.maps[handle]
	if !ok || time.Now().After(entry.expiry) {
		return "", "", false, nil
	}
	raw, ok := entry.kv[placeholder]
	if !ok {
		return "", "", false, nil
	}
	return raw, entry.meta[placeholder], true, nil
}

func (s *MemoryStore) All(_ context.Context, handle string) (map[string]string, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.maps[handle]
	if !ok || time.Now().After(entry.expiry) {
		return map[string]string{}, map[string]string{}, nil
	}
	kv := make(map[string]string, len(entry.kv))
	for k, v := range entry.kv {
		kv[k] = v
	}
	meta := make(map[string]string, len(entry.meta))
	for k, v := range entry.meta {
		meta[k] = v
	}
	return kv, meta, nil
}

func (s *MemoryStore) Cleanup(_ context.Context) error {
	now := time.Now()
	s.mu.Lock()
	for handle, entry := range s.maps {
		if now.After(entry.expiry) {
			delete(s.maps, handle)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
