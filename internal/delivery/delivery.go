// Package delivery defines the per-occurrence delivery record and its status
// lifecycle. All mutation happens through the storage layer's conditional
// update; this package only describes which transitions are legal.
package delivery

import "time"

// Status is the delivery lifecycle state.
//
//	pending → generating → delivering → delivered
//	pending|generating → skipped
//	pending|generating|delivering → failed
//
// delivered, skipped and failed are terminal. pending is re-entered only by
// the scanner (a fresh upsert), never by the delivery job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether s → to is a legal step. Skipping is allowed
// from pending (schedule no longer eligible) and from generating (nothing to
// summarize in the window, discovered after claiming the row).
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusGenerating || to == StatusSkipped || to == StatusFailed
	case StatusGenerating:
		return to == StatusDelivering || to == StatusSkipped || to == StatusFailed
	case StatusDelivering:
		return to == StatusDelivered || to == StatusFailed
	default:
		return false
	}
}

// Delivery tracks one occurrence of one schedule: generation plus send.
//
// Exactly one Delivery exists per (ScheduleID, OccurrenceAt); the storage
// layer enforces this with a unique index. Version is the optimistic-lock
// counter checked by every conditional update.
type Delivery struct {
	ID         string
	ScheduleID string
	OwnerID    string

	// OccurrenceAt is the instant the digest nominally happens, UTC.
	OccurrenceAt time.Time
	// TriggerAt is OccurrenceAt minus the schedule's lead time.
	TriggerAt time.Time

	WindowStart time.Time
	WindowEnd   time.Time

	Status  Status
	Version int64

	// Payload is the generated summary; empty until generation succeeds.
	Payload    string
	Model      string
	TokensUsed int

	ErrorMessage string
	DeliveredAt  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
