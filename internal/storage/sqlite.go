package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jotchain/internal/delivery"
	"jotchain/internal/journal"
	"jotchain/internal/schedule"
	logx "jotchain/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Schedules ----

func (s *sqliteStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	// Defaults land before validation so an interval schedule without an
	// explicit epoch anchors to its creation time instead of being rejected.
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	if sc.Epoch.IsZero() {
		sc.Epoch = sc.CreatedAt
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, owner_id, cadence_kind, weekday, ordinal, every, unit,
		                       tod_hour, tod_minute, timezone, lookback_mode, lookback_ms,
		                       lead_time_ms, channel, enabled, epoch, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, cadence_kind=excluded.cadence_kind,
		   weekday=excluded.weekday, ordinal=excluded.ordinal,
		   every=excluded.every, unit=excluded.unit,
		   tod_hour=excluded.tod_hour, tod_minute=excluded.tod_minute,
		   timezone=excluded.timezone, lookback_mode=excluded.lookback_mode,
		   lookback_ms=excluded.lookback_ms, lead_time_ms=excluded.lead_time_ms,
		   channel=excluded.channel, enabled=excluded.enabled,
		   updated_at=excluded.updated_at`,
		sc.ID, sc.OwnerID, string(sc.Cadence.Kind),
		cadenceWeekday(sc.Cadence), cadenceOrdinal(sc.Cadence), cadenceEvery(sc.Cadence), cadenceUnit(sc.Cadence),
		sc.At.Hour, sc.At.Minute, sc.Timezone, string(lookbackMode(sc.Lookback)), sc.Lookback.Fixed.Milliseconds(),
		sc.LeadTime.Milliseconds(), sc.Channel, boolInt(sc.Enabled),
		fmtTime(sc.Epoch), fmtTime(sc.CreatedAt), fmtTime(sc.UpdatedAt),
	)
	return err
}

const scheduleColumns = `id, owner_id, cadence_kind, weekday, ordinal, every, unit,
 tod_hour, tod_minute, timezone, lookback_mode, lookback_ms, lead_time_ms,
 channel, enabled, epoch, created_at, updated_at`

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Schedule, error) {
	var (
		sc                    schedule.Schedule
		kind, unit, mode      string
		weekday, ordinal      sql.NullInt64
		every                 sql.NullInt64
		unitN                 sql.NullString
		lookMS, leadMS        int64
		enabled               int
		epoch, created, updat string
	)
	err := r.Scan(&sc.ID, &sc.OwnerID, &kind, &weekday, &ordinal, &every, &unitN,
		&sc.At.Hour, &sc.At.Minute, &sc.Timezone, &mode, &lookMS, &leadMS,
		&sc.Channel, &enabled, &epoch, &created, &updat)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if unitN.Valid {
		unit = unitN.String
	}
	sc.Cadence = schedule.Cadence{
		Kind:    schedule.CadenceKind(kind),
		Weekday: time.Weekday(weekday.Int64),
		Ordinal: int(ordinal.Int64),
		Every:   int(every.Int64),
		Unit:    schedule.IntervalUnit(unit),
	}
	sc.Lookback = schedule.Lookback{Mode: schedule.LookbackMode(mode), Fixed: time.Duration(lookMS) * time.Millisecond}
	sc.LeadTime = time.Duration(leadMS) * time.Millisecond
	sc.Enabled = enabled != 0
	sc.Epoch = parseTime(epoch)
	sc.CreatedAt = parseTime(created)
	sc.UpdatedAt = parseTime(updat)
	return sc, nil
}

// ---- Deliveries ----

const deliveryColumns = `id, schedule_id, owner_id, occurrence_at, trigger_at,
 window_start, window_end, status, version, payload, model, tokens_used,
 error_message, delivered_at, created_at, updated_at`

func (s *sqliteStore) UpsertDelivery(ctx context.Context, d delivery.Delivery) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE schedule_id = ? AND occurrence_at = ?`,
		d.ScheduleID, fmtTime(d.OccurrenceAt))
	existing, err := scanDelivery(row)
	now := time.Now().UTC()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		d.Status = delivery.StatusPending
		d.Version = 1
		d.CreatedAt = now
		d.UpdatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries(id, schedule_id, owner_id, occurrence_at, trigger_at,
			                        window_start, window_end, status, version, tokens_used,
			                        created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,0,?,?)`,
			d.ID, d.ScheduleID, d.OwnerID, fmtTime(d.OccurrenceAt), fmtTime(d.TriggerAt),
			fmtTime(d.WindowStart), fmtTime(d.WindowEnd), string(d.Status), d.Version,
			fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
		)
		if err != nil {
			return UpsertOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertOutcome{}, err
		}
		return UpsertOutcome{Created: true, Delivery: d}, nil

	case err != nil:
		return UpsertOutcome{}, err
	}

	// Rows past pending belong to the delivery job; leave them alone.
	if existing.Status != delivery.StatusPending {
		return UpsertOutcome{Delivery: existing}, nil
	}

	changed := !existing.TriggerAt.Equal(d.TriggerAt) ||
		!existing.WindowStart.Equal(d.WindowStart) ||
		!existing.WindowEnd.Equal(d.WindowEnd)
	if !changed {
		return UpsertOutcome{Delivery: existing}, nil
	}

	// Cadence edits shift future sends: refresh trigger/window on the pending
	// row. The version bump makes a concurrently racing job lose its CAS and
	// re-read, which is the safe outcome when the trigger just moved.
	res, err := tx.ExecContext(ctx,
		`UPDATE deliveries SET trigger_at = ?, window_start = ?, window_end = ?,
		        version = version + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		fmtTime(d.TriggerAt), fmtTime(d.WindowStart), fmtTime(d.WindowEnd), fmtTime(now),
		existing.ID, string(delivery.StatusPending), existing.Version,
	)
	if err != nil {
		return UpsertOutcome{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return UpsertOutcome{}, err
	}
	if n == 0 {
		// Lost a race with the job; the row is no longer ours to touch.
		if err := tx.Commit(); err != nil {
			return UpsertOutcome{}, err
		}
		return UpsertOutcome{Delivery: existing}, nil
	}
	existing.TriggerAt = d.TriggerAt
	existing.WindowStart = d.WindowStart
	existing.WindowEnd = d.WindowEnd
	existing.Version++
	existing.UpdatedAt = now
	if err := tx.Commit(); err != nil {
		return UpsertOutcome{}, err
	}
	return UpsertOutcome{TriggerChanged: true, Delivery: existing}, nil
}

func (s *sqliteStore) GetDelivery(ctx context.Context, id string) (delivery.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Delivery{}, ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) ListPendingDeliveries(ctx context.Context) ([]delivery.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE status = ? ORDER BY trigger_at`,
		string(delivery.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionDelivery(ctx context.Context, t Transition) (delivery.Delivery, bool, error) {
	if !t.FromStatus.CanTransition(t.To) {
		return delivery.Delivery{}, false, fmt.Errorf("illegal transition %s -> %s", t.FromStatus, t.To)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, version = version + 1, updated_at = ?,
		        payload = COALESCE(NULLIF(?, ''), payload),
		        model = COALESCE(NULLIF(?, ''), model),
		        tokens_used = CASE WHEN ? > 0 THEN ? ELSE tokens_used END,
		        error_message = NULLIF(?, ''),
		        delivered_at = COALESCE(NULLIF(?, ''), delivered_at)
		 WHERE id = ? AND status = ? AND version = ?`,
		string(t.To), fmtTime(now),
		t.Payload, t.Model, t.TokensUsed, t.TokensUsed, t.ErrorMessage,
		fmtNullableTime(t.DeliveredAt),
		t.ID, string(t.FromStatus), t.FromVersion,
	)
	if err != nil {
		return delivery.Delivery{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return delivery.Delivery{}, false, err
	}
	d, gerr := s.GetDelivery(ctx, t.ID)
	if gerr != nil {
		return delivery.Delivery{}, false, gerr
	}
	return d, n == 1, nil
}

func scanDelivery(r rowScanner) (delivery.Delivery, error) {
	var (
		d                               delivery.Delivery
		status                          string
		payload, model, errMsg, delivAt sql.NullString
		occ, trig, wStart, wEnd         string
		created, updated                string
	)
	err := r.Scan(&d.ID, &d.ScheduleID, &d.OwnerID, &occ, &trig, &wStart, &wEnd,
		&status, &d.Version, &payload, &model, &d.TokensUsed, &errMsg, &delivAt,
		&created, &updated)
	if err != nil {
		return delivery.Delivery{}, err
	}
	d.Status = delivery.Status(status)
	d.OccurrenceAt = parseTime(occ)
	d.TriggerAt = parseTime(trig)
	d.WindowStart = parseTime(wStart)
	d.WindowEnd = parseTime(wEnd)
	d.Payload = payload.String
	d.Model = model.String
	d.ErrorMessage = errMsg.String
	if delivAt.Valid {
		d.DeliveredAt = parseTime(delivAt.String)
	}
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return d, nil
}

// ---- Journal entries ----

func (s *sqliteStore) AddEntry(ctx context.Context, e journal.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(id, owner_id, body, created_at) VALUES(?,?,?,?)`,
		e.ID, e.OwnerID, e.Body, fmtTime(e.CreatedAt))
	return err
}

func (s *sqliteStore) ListEntries(ctx context.Context, ownerID string, start, end time.Time) ([]journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, body, created_at FROM entries
		 WHERE owner_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at`,
		ownerID, fmtTime(start), fmtTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		var e journal.Entry
		var created string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Body, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- helpers ----

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtNullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func cadenceWeekday(c schedule.Cadence) any {
	if c.Kind == schedule.CadenceWeekly || c.Kind == schedule.CadenceMonthly {
		return int(c.Weekday)
	}
	return nil
}

func cadenceOrdinal(c schedule.Cadence) any {
	if c.Kind == schedule.CadenceMonthly {
		return c.Ordinal
	}
	return nil
}

func cadenceEvery(c schedule.Cadence) any {
	if c.Kind == schedule.CadenceInterval {
		return c.Every
	}
	return nil
}

func cadenceUnit(c schedule.Cadence) any {
	if c.Kind == schedule.CadenceInterval {
		return string(c.Unit)
	}
	return nil
}

func lookbackMode(l schedule.Lookback) schedule.LookbackMode {
	if l.Mode == "" {
		return schedule.LookbackPreviousOccurrence
	}
	return l.Mode
}
