// Package storage provides the persistence layer for schedules, deliveries
// and journal entries.
//
// It currently supports:
//   - "sqlite": a SQLite database file (the production driver)
//   - "memory": an in-process map store (tests, ephemeral runs)
//
// The delivery rows carry an integer version column; every status transition
// is a conditional UPDATE checking both status and version, surfaced to
// callers as an ok/conflict result rather than an error. The unique index on
// (schedule_id, occurrence_at) is what makes the scanner idempotent.
package storage
