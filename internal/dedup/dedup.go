// Package dedup provides idempotent first-write-wins storage of event
// outcomes keyed by the caller-supplied idempotency key. The stored payload
// hash lets the engine distinguish a harmless re-delivery (same payload,
// return the cached outcome) from key reuse with a different payload
// (CONFLICT).
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pantrykit/cyclecast/internal/api"
)

// Record is what one accepted event leaves behind.
type Record struct {
	PayloadHash string      `json:"payload_hash"`
	Outcome     api.Outcome `json:"outcome"`
}

// Store is the idempotency surface. First write wins.
type Store interface {
	// Get retrieves a stored record by idempotency key. Returns nil if not found.
	Get(ctx context.Context, key string) (*Record, error)

	// Set stores a record with TTL. First write wins.
	Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory dedup store with optional file snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string
}

type entry struct {
	Record    *Record   `json:"record"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewMemoryStore creates an in-memory dedup store. snapshotPath may be
// empty to disable persistence.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		ms.loadSnapshot()
	}

	return ms
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, nil // expired
	}
	return e.Record, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, exists := m.store[key]; exists && time.Now().Before(e.ExpiresAt) {
		return nil // first write wins
	}

	m.store[key] = &entry{
		Record:    rec,
		ExpiresAt: time.Now().Add(ttl),
	}

	if m.snapshot != "" {
		go m.saveSnapshot() // async to avoid blocking the submit path
	}

	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal dedup snapshot: %w", err)
	}

	now := time.Now()
	for k, v := range snapshot {
		if now.Before(v.ExpiresAt) {
			m.store[k] = v
		}
	}

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	toSave := make(map[string]*entry)
	for k, v := range m.store {
		if now.Before(v.ExpiresAt) {
			toSave[k] = v
		}
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.snapshot, data, 0600)
}
