// Package api defines the wire-level contract of the predictor: the event
// envelope callers submit, the outcome returned for each event, and the
// machine-readable rejection codes.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pantrykit/cyclecast/internal/clock"
	"github.com/pantrykit/cyclecast/internal/predictor"
)

// Envelope is one submitted event, JSON-shaped as callers send it.
type Envelope struct {
	IdempotencyKey string `json:"idempotency_key"`
	HouseholdID    string `json:"household_id"`
	ProductID      string `json:"product_id"`
	CategoryID     string `json:"category_id,omitempty"`
	Timestamp      string `json:"timestamp"`
	Kind           string `json:"kind"`

	Reason         string   `json:"reason,omitempty"`
	Direction      string   `json:"direction,omitempty"`
	DeltaDays      *float64 `json:"delta_days,omitempty"`
	Ratio          *float64 `json:"ratio,omitempty"`
	DaysLeftTarget *float64 `json:"days_left_target,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// Outcome is the applied result returned to the caller and cached under the
// idempotency key.
type Outcome struct {
	Applied         bool                 `json:"applied"`
	DaysLeft        float64              `json:"days_left"`
	State           predictor.StockState `json:"state"`
	Confidence      float64              `json:"confidence"`
	OutOfOrder      bool                 `json:"out_of_order,omitempty"`
	LogID           int64                `json:"log_id,omitempty"`
	ForecastEmitted bool                 `json:"forecast_emitted,omitempty"`
}

// ForecastSnapshot is the read-path response.
type ForecastSnapshot struct {
	HouseholdID      string               `json:"household_id"`
	ProductID        string               `json:"product_id"`
	GeneratedAt      time.Time            `json:"generated_at"`
	ExpectedDaysLeft float64              `json:"expected_days_left"`
	PredictedState   predictor.StockState `json:"predicted_state"`
	Confidence       float64              `json:"confidence"`
	TriggerEventID   int64                `json:"trigger_event_id,omitempty"`
}

// Validate checks structural requirements and converts the envelope into a
// typed predictor event. It does not consult state; per-kind payload rules
// are enforced again by the transition itself.
func (e *Envelope) Validate() (predictor.Event, error) {
	if e.IdempotencyKey == "" {
		return predictor.Event{}, fmt.Errorf("idempotency_key is required")
	}
	if e.HouseholdID == "" {
		return predictor.Event{}, fmt.Errorf("household_id is required")
	}
	if e.ProductID == "" {
		return predictor.Event{}, fmt.Errorf("product_id is required")
	}

	kind := predictor.EventKind(e.Kind)
	if !predictor.KnownKind(kind) {
		return predictor.Event{}, fmt.Errorf("unknown event kind %q", e.Kind)
	}

	ts, err := clock.ParseTimestamp(e.Timestamp)
	if err != nil {
		return predictor.Event{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	ev := predictor.Event{
		Kind:           kind,
		Timestamp:      ts,
		CategoryID:     e.CategoryID,
		DeltaDays:      e.DeltaDays,
		Ratio:          e.Ratio,
		DaysLeftTarget: e.DaysLeftTarget,
		Note:           e.Note,
	}

	switch kind {
	case predictor.KindTrash:
		r := predictor.TrashReason(e.Reason)
		if !predictor.KnownTrashReason(r) {
			return predictor.Event{}, fmt.Errorf("unknown trash reason %q", e.Reason)
		}
		ev.Reason = r
	case predictor.KindAdjustFeedback:
		d := predictor.FeedbackDirection(e.Direction)
		if !predictor.KnownDirection(d) {
			return predictor.Event{}, fmt.Errorf("unknown feedback direction %q", e.Direction)
		}
		ev.Direction = d
	case predictor.KindConsume:
		if e.DeltaDays != nil && *e.DeltaDays < 0 {
			return predictor.Event{}, fmt.Errorf("delta_days must be >= 0")
		}
		if e.Ratio != nil && (*e.Ratio <= 0 || *e.Ratio >= 1) {
			return predictor.Event{}, fmt.Errorf("ratio must be in (0,1)")
		}
	case predictor.KindManualSet:
		if e.DaysLeftTarget == nil || *e.DaysLeftTarget < 0 {
			return predictor.Event{}, fmt.Errorf("days_left_target must be >= 0")
		}
	case predictor.KindRepurchase, predictor.KindEmpty:
		// Reason is free-form audit detail for these kinds.
		ev.Reason = predictor.TrashReason(e.Reason)
	}

	return ev, nil
}

// PayloadHash is the canonical digest used to detect idempotency-key reuse
// with a different payload. The envelope is re-marshaled so key order and
// whitespace do not affect the digest.
func (e *Envelope) PayloadHash() string {
	data, err := json.Marshal(e)
	if err != nil {
		// Envelope is plain data; Marshal cannot fail on it.
		panic(fmt.Sprintf("envelope marshal: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RejectionCode is the machine-readable error taxonomy surfaced to callers.
type RejectionCode string

const (
	CodeInvalidEvent   RejectionCode = "INVALID_EVENT"
	CodeStaleEvent     RejectionCode = "STALE_EVENT"
	CodeUnknownEntity  RejectionCode = "UNKNOWN_ENTITY"
	CodeConflict       RejectionCode = "CONFLICT"
	CodeStorageFailure RejectionCode = "STORAGE_FAILURE"
	CodeInternal       RejectionCode = "INTERNAL"
)
