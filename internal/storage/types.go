package storage

import (
	"errors"
	"time"

	"jotchain/internal/delivery"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (no persistence)
//
// If Driver is empty, "memory" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UpsertOutcome reports what an idempotent delivery upsert did.
//
// Created and TriggerChanged are mutually exclusive. Both false means the
// row already existed and nothing scheduler-visible changed (or the row has
// moved past pending and was left alone).
type UpsertOutcome struct {
	Created        bool
	TriggerChanged bool
	// Delivery is the current row after the upsert.
	Delivery delivery.Delivery
}

// Transition is a conditional status update for one delivery.
//
// The store applies it only when the row still has FromStatus and
// FromVersion; otherwise the caller lost the race and gets ok=false.
// Only the fields relevant to To are persisted:
//   - delivering:     Payload, Model, TokensUsed
//   - delivered:      DeliveredAt
//   - failed/skipped: ErrorMessage (the failure cause or skip reason)
type Transition struct {
	ID          string
	FromStatus  delivery.Status
	FromVersion int64
	To          delivery.Status

	Payload    string
	Model      string
	TokensUsed int

	ErrorMessage string
	DeliveredAt  time.Time
}
