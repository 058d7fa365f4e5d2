package digest

import (
	"context"
	"errors"

	"jotchain/internal/journal"
	"jotchain/internal/schedule"
)

// ErrNoEntries means the lookback window holds no source material.
// It is not a failure: the delivery is skipped and never retried.
var ErrNoEntries = errors.New("no journal entries in window")

// Request is one summarization call.
type Request struct {
	OwnerID string
	Window  schedule.Window
	Entries []journal.Entry
}

// Summary is a successful generation result.
type Summary struct {
	Payload    string
	Model      string
	TokensUsed int
}

// Generator produces a digest summary from journal entries.
//
// Implementations return ErrNoEntries when there is nothing to summarize;
// any other error is treated as transient and surfaces to the job queue's
// retry policy.
type Generator interface {
	Summarize(ctx context.Context, req Request) (Summary, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (Summary, error)

func (f GeneratorFunc) Summarize(ctx context.Context, req Request) (Summary, error) {
	return f(ctx, req)
}
