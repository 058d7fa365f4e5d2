package digest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Digest is one rendered summary ready to leave the process.
type Digest struct {
	OwnerID      string
	OccurrenceAt time.Time
	WindowStart  time.Time
	WindowEnd    time.Time
	Payload      string
}

// Notifier sends a digest over one channel. An error means the send should
// be retried; the delivery record is marked failed and the job re-raised.
type Notifier interface {
	Deliver(ctx context.Context, d Digest) error
}

// Notifiers routes by schedule channel name ("email", "telegram", ...).
type Notifiers map[string]Notifier

func (n Notifiers) Deliver(ctx context.Context, channel string, d Digest) error {
	nt, ok := n[channel]
	if !ok {
		return fmt.Errorf("no notifier for channel %q", channel)
	}
	return nt.Deliver(ctx, d)
}

// RateLimited wraps a notifier with a token-bucket limiter so a burst of
// simultaneous triggers does not hammer an upstream API.
type RateLimited struct {
	inner   Notifier
	limiter *rate.Limiter
}

func NewRateLimited(inner Notifier, perSecond float64, burst int) *RateLimited {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Deliver(ctx context.Context, d Digest) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.Deliver(ctx, d)
}
