// Package storage persists predictor state, the append-only event log, the
// inventory projection and forecast snapshots. The event log is
// authoritative: CommitEvent writes the log entry and the state update
// atomically, so state is always rebuildable by replaying the log.
package storage

import (
	"context"
	"time"

	"github.com/pantrykit/cyclecast/internal/predictor"
)

// Key identifies one (household, product) pair.
type Key struct {
	Household string
	Product   string
}

// LogEntry is one row of the append-only event log.
type LogEntry struct {
	ID             int64     `json:"id"`
	Household      string    `json:"household_id"`
	Product        string    `json:"product_id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	Reason         string    `json:"reason,omitempty"`
	Note           string    `json:"note,omitempty"`
	OutOfOrder     bool      `json:"out_of_order,omitempty"`
	DaysLeftBefore float64   `json:"days_left_before"`
	DaysLeftAfter  float64   `json:"days_left_after"`
	MeanBefore     float64   `json:"mean_before"`
	MeanAfter      float64   `json:"mean_after"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
}

// ForecastRow is one append-only forecast snapshot.
type ForecastRow struct {
	Household        string    `json:"household_id"`
	Product          string    `json:"product_id"`
	GeneratedAt      time.Time `json:"generated_at"`
	ExpectedDaysLeft float64   `json:"expected_days_left"`
	PredictedState   string    `json:"predicted_state"`
	Confidence       float64   `json:"confidence"`
	TriggerEventID   int64     `json:"trigger_event_id,omitempty"`
}

// InventoryRow is the rewritten inventory projection shared with the
// inventory store.
type InventoryRow struct {
	Household  string    `json:"household_id"`
	Product    string    `json:"product_id"`
	DaysLeft   float64   `json:"days_left"`
	State      string    `json:"state"`
	Confidence float64   `json:"confidence"`
	LastSource string    `json:"last_source"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Commit bundles everything one accepted event writes. Entry.ID is assigned
// by the store; Forecast, when present, receives the entry id as its
// trigger after the append.
type Commit struct {
	Key       Key
	State     predictor.State
	Entry     LogEntry
	Inventory *InventoryRow
	Forecast  *ForecastRow
}

// Store is the persistence surface the engine depends on.
//
// CommitEvent MUST be atomic with respect to readers: either the log entry
// and the state update both land, or neither does.
type Store interface {
	// LoadState returns the state for key, or nil when none exists yet.
	LoadState(ctx context.Context, key Key) (*predictor.State, error)

	// CommitEvent atomically appends the log entry, upserts the state, and
	// writes the projection/forecast rows. Returns the log entry id.
	CommitEvent(ctx context.Context, c *Commit) (int64, error)

	// Keys lists every (household, product) with predictor state.
	Keys(ctx context.Context) ([]Key, error)

	// HouseholdKeys lists every product key for one household.
	HouseholdKeys(ctx context.Context, household string) ([]Key, error)

	// Entries returns the full event log for key in processed order.
	Entries(ctx context.Context, key Key) ([]LogEntry, error)

	// FirstEntry returns the oldest log entry for key, or nil.
	FirstEntry(ctx context.Context, key Key) (*LogEntry, error)

	// LastEntryOfKind returns the newest entry of the given kind, or nil.
	LastEntryOfKind(ctx context.Context, key Key, kind string) (*LogEntry, error)

	// WriteInventory rewrites the projection outside an event commit
	// (read-path refresh).
	WriteInventory(ctx context.Context, row *InventoryRow) error

	// Close releases resources.
	Close() error
}
