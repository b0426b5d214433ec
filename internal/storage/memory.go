package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pantrykit/cyclecast/internal/predictor"
)

// Memory is an in-process Store for tests and single-node deployments. An
// optional WAL shadows every commit to disk so the log survives restarts.
type Memory struct {
	mu        sync.RWMutex
	states    map[Key]predictor.State
	log       map[Key][]LogEntry
	forecasts map[Key][]ForecastRow
	inventory map[Key]InventoryRow
	nextID    int64
	wal       *WALFile
}

// NewMemory creates an empty in-memory store. wal may be nil.
func NewMemory(wal *WALFile) *Memory {
	return &Memory{
		states:    make(map[Key]predictor.State),
		log:       make(map[Key][]LogEntry),
		forecasts: make(map[Key][]ForecastRow),
		inventory: make(map[Key]InventoryRow),
		nextID:    1,
		wal:       wal,
	}
}

func (m *Memory) LoadState(ctx context.Context, key Key) (*predictor.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) CommitEvent(ctx context.Context, c *Commit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := c.Entry
	entry.ID = m.nextID
	entry.Household = c.Key.Household
	entry.Product = c.Key.Product

	// WAL first: if the shadow write fails the commit does not happen.
	if m.wal != nil {
		if err := m.wal.Append(&entry); err != nil {
			return 0, err
		}
	}

	m.nextID++
	m.log[c.Key] = append(m.log[c.Key], entry)
	m.states[c.Key] = c.State

	if c.Inventory != nil {
		m.inventory[c.Key] = *c.Inventory
	}
	if c.Forecast != nil {
		f := *c.Forecast
		f.TriggerEventID = entry.ID
		m.forecasts[c.Key] = append(m.forecasts[c.Key], f)
	}

	return entry.ID, nil
}

func (m *Memory) Keys(ctx context.Context) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]Key, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Household != keys[j].Household {
			return keys[i].Household < keys[j].Household
		}
		return keys[i].Product < keys[j].Product
	})
	return keys, nil
}

func (m *Memory) HouseholdKeys(ctx context.Context, household string) ([]Key, error) {
	all, err := m.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []Key
	for _, k := range all {
		if k.Household == household {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Entries(ctx context.Context, key Key) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]LogEntry, len(m.log[key]))
	copy(entries, m.log[key])
	return entries, nil
}

func (m *Memory) FirstEntry(ctx context.Context, key Key) (*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.log[key]
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[0]
	return &e, nil
}

func (m *Memory) LastEntryOfKind(ctx context.Context, key Key, kind string) (*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.log[key]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == kind {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Memory) WriteInventory(ctx context.Context, row *InventoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inventory[Key{Household: row.Household, Product: row.Product}] = *row
	return nil
}

// Inventory returns the current projection row, or nil. Test helper.
func (m *Memory) Inventory(key Key) *InventoryRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.inventory[key]
	if !ok {
		return nil
	}
	return &row
}

// Forecasts returns the snapshots appended for key. Test helper.
func (m *Memory) Forecasts(key Key) []ForecastRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ForecastRow, len(m.forecasts[key]))
	copy(out, m.forecasts[key])
	return out
}

// RestoreEntries seeds the log from replayed WAL entries, keeping their
// original order. Used by the replaycheck CLI. No states are installed;
// LoadState and Keys see none until RestoreState is called.
func (m *Memory) RestoreEntries(entries []LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		key := Key{Household: e.Household, Product: e.Product}
		if e.ID >= m.nextID {
			m.nextID = e.ID + 1
		}
		m.log[key] = append(m.log[key], e)
	}
}

// RestoreState installs a rebuilt state without writing a log entry.
func (m *Memory) RestoreState(key Key, s predictor.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = s
}

func (m *Memory) Close() error {
	if m.wal != nil {
		return m.wal.Close()
	}
	return nil
}
