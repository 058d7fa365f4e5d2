package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jotchain/internal/delivery"
	"jotchain/internal/journal"
	"jotchain/internal/schedule"
)

// memoryStore keeps everything in process memory. It mirrors the sqlite
// driver's semantics exactly (including version bumps on trigger refresh) so
// tests exercise the same contract production runs on.
type memoryStore struct {
	mu sync.Mutex

	schedules  map[string]schedule.Schedule
	deliveries map[string]delivery.Delivery
	byOccur    map[occurrenceKey]string // (schedule, occurrence) -> delivery id
	entries    []journal.Entry
}

type occurrenceKey struct {
	scheduleID string
	occurrence int64 // unix nanos, UTC
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		schedules:  map[string]schedule.Schedule{},
		deliveries: map[string]delivery.Delivery{},
		byOccur:    map[occurrenceKey]string{},
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) PutSchedule(ctx context.Context, s schedule.Schedule) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	// Defaults land before validation so an interval schedule without an
	// explicit epoch anchors to its creation time instead of being rejected.
	now := time.Now().UTC()
	if prev, ok := m.schedules[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
		s.Epoch = prev.Epoch
	} else {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.Epoch.IsZero() {
			s.Epoch = s.CreatedAt
		}
	}
	s.UpdatedAt = now
	if err := s.Validate(); err != nil {
		return err
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *memoryStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schedule.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schedule.Schedule
	for _, s := range m.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now().UTC()
	m.schedules[id] = s
	return nil
}

func (m *memoryStore) UpsertDelivery(ctx context.Context, d delivery.Delivery) (UpsertOutcome, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	key := occurrenceKey{scheduleID: d.ScheduleID, occurrence: d.OccurrenceAt.UTC().UnixNano()}
	now := time.Now().UTC()

	id, ok := m.byOccur[key]
	if !ok {
		d.Status = delivery.StatusPending
		d.Version = 1
		d.CreatedAt = now
		d.UpdatedAt = now
		m.deliveries[d.ID] = d
		m.byOccur[key] = d.ID
		return UpsertOutcome{Created: true, Delivery: d}, nil
	}

	existing := m.deliveries[id]
	if existing.Status != delivery.StatusPending {
		return UpsertOutcome{Delivery: existing}, nil
	}

	changed := !existing.TriggerAt.Equal(d.TriggerAt) ||
		!existing.WindowStart.Equal(d.WindowStart) ||
		!existing.WindowEnd.Equal(d.WindowEnd)
	if !changed {
		return UpsertOutcome{Delivery: existing}, nil
	}

	existing.TriggerAt = d.TriggerAt
	existing.WindowStart = d.WindowStart
	existing.WindowEnd = d.WindowEnd
	existing.Version++
	existing.UpdatedAt = now
	m.deliveries[id] = existing
	return UpsertOutcome{TriggerChanged: true, Delivery: existing}, nil
}

func (m *memoryStore) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return delivery.Delivery{}, ErrNotFound
	}
	return d, nil
}

func (m *memoryStore) ListPendingDeliveries(ctx context.Context) ([]delivery.Delivery, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []delivery.Delivery
	for _, d := range m.deliveries {
		if d.Status == delivery.StatusPending {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })
	return out, nil
}

func (m *memoryStore) TransitionDelivery(ctx context.Context, t Transition) (delivery.Delivery, bool, error) {
	_ = ctx
	if !t.FromStatus.CanTransition(t.To) {
		return delivery.Delivery{}, false, fmt.Errorf("illegal transition %s -> %s", t.FromStatus, t.To)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[t.ID]
	if !ok {
		return delivery.Delivery{}, false, ErrNotFound
	}
	if d.Status != t.FromStatus || d.Version != t.FromVersion {
		return d, false, nil
	}

	d.Status = t.To
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	if t.Payload != "" {
		d.Payload = t.Payload
	}
	if t.Model != "" {
		d.Model = t.Model
	}
	if t.TokensUsed > 0 {
		d.TokensUsed = t.TokensUsed
	}
	d.ErrorMessage = t.ErrorMessage
	if !t.DeliveredAt.IsZero() {
		d.DeliveredAt = t.DeliveredAt
	}
	m.deliveries[t.ID] = d
	return d, true, nil
}

func (m *memoryStore) AddEntry(ctx context.Context, e journal.Entry) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryStore) ListEntries(ctx context.Context, ownerID string, start, end time.Time) ([]journal.Entry, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journal.Entry
	for _, e := range m.entries {
		if e.OwnerID != ownerID {
			continue
		}
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
