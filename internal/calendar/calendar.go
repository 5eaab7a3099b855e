// Package calendar schedules suggested activities. The local implementation
// keeps events in the same SQLite database as the session store.
package calendar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stillpoint-app/checkin/pkg/core"
	"github.com/stillpoint-app/checkin/pkg/core/checkin"
	"github.com/stillpoint-app/checkin/pkg/core/schedule"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_events (
	id                TEXT PRIMARY KEY,
	calendar_event_id TEXT NOT NULL,
	title             TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT '',
	scheduled_at      TIMESTAMP NOT NULL,
	duration_minutes  INTEGER NOT NULL,
	completed         INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calendar_events_at ON calendar_events(scheduled_at);
`

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("calendar: not found")

// Event is one scheduled activity.
type Event struct {
	ID              string
	CalendarEventID string
	Title           string
	Category        string
	ScheduledAt     time.Time
	DurationMinutes int
	Completed       bool
}

// Local is a calendar backed by a local database.
type Local struct {
	db     *sql.DB
	loc    *time.Location
	logger *zap.Logger
}

// NewLocal attaches the calendar tables to db. loc is the zone suggestion
// dates resolve in; nil means local time.
func NewLocal(db *sql.DB, loc *time.Location, logger *zap.Logger) (*Local, error) {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply calendar schema: %w", err)
	}
	return &Local{db: db, loc: loc, logger: logger}, nil
}

// ScheduleEvent resolves the suggestion's date and time and stores the
// event. Relative dates (today, tomorrow, tonight) resolve in the calendar's
// zone.
func (l *Local) ScheduleEvent(ctx context.Context, s checkin.ScheduleSuggestion) (checkin.ScheduledEvent, error) {
	at, err := l.resolveInstant(s.Date, s.Time)
	if err != nil {
		return checkin.ScheduledEvent{}, core.NewCalendarSyncError("unschedulable suggestion", err)
	}

	duration := schedule.ClampDurationMinutes(float64(s.DurationMinutes))
	ev := Event{
		ID:              uuid.NewString(),
		CalendarEventID: uuid.NewString(),
		Title:           s.Title,
		Category:        s.Category,
		ScheduledAt:     at,
		DurationMinutes: duration,
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO calendar_events (id, calendar_event_id, title, category, scheduled_at, duration_minutes, completed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		ev.ID, ev.CalendarEventID, ev.Title, ev.Category, ev.ScheduledAt.UTC(), ev.DurationMinutes, time.Now().UTC())
	if err != nil {
		return checkin.ScheduledEvent{}, core.NewCalendarSyncError("storing calendar event failed", err)
	}

	l.logger.Info("scheduled activity",
		zap.String("event_id", ev.ID),
		zap.String("title", ev.Title),
		zap.Time("scheduled_at", ev.ScheduledAt))

	return checkin.ScheduledEvent{
		ID:              ev.ID,
		CalendarEventID: ev.CalendarEventID,
		ScheduledAt:     ev.ScheduledAt,
		DurationMinutes: ev.DurationMinutes,
	}, nil
}

// DeleteEvent removes one event by id.
func (l *Local) DeleteEvent(ctx context.Context, eventID string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, eventID)
	if err != nil {
		return core.NewCalendarSyncError("deleting calendar event failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduleRecurring expands a recurring spec and stores one event per
// occurrence. It returns the stored events and whether the expansion was
// truncated by the safety cap.
func (l *Local) ScheduleRecurring(ctx context.Context, title, category string, spec schedule.RecurringSpec, durationMinutes int) ([]checkin.ScheduledEvent, bool, error) {
	expansion, err := schedule.ExpandRecurringOccurrences(spec)
	if err != nil {
		return nil, false, err
	}

	out := make([]checkin.ScheduledEvent, 0, len(expansion.Occurrences))
	for _, occ := range expansion.Occurrences {
		ev, err := l.ScheduleEvent(ctx, checkin.ScheduleSuggestion{
			Title:           title,
			Category:        category,
			Date:            occ.Date,
			Time:            occ.Time,
			DurationMinutes: durationMinutes,
		})
		if err != nil {
			return out, expansion.Truncated, err
		}
		out = append(out, ev)
	}
	return out, expansion.Truncated, nil
}

// MarkCompleted flags an event done.
func (l *Local) MarkCompleted(ctx context.Context, eventID string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE calendar_events SET completed = 1 WHERE id = ?`, eventID)
	if err != nil {
		return core.NewCalendarSyncError("updating calendar event failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Upcoming lists events at or after now, soonest first.
func (l *Local) Upcoming(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, calendar_event_id, title, category, scheduled_at, duration_minutes, completed
		FROM calendar_events
		WHERE scheduled_at >= ?
		ORDER BY scheduled_at
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query upcoming events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var completed int
		if err := rows.Scan(&ev.ID, &ev.CalendarEventID, &ev.Title, &ev.Category,
			&ev.ScheduledAt, &ev.DurationMinutes, &completed); err != nil {
			return nil, err
		}
		ev.Completed = completed != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (l *Local) resolveInstant(date, clock string) (time.Time, error) {
	day, err := schedule.ResolveDate(date, time.Now(), l.loc)
	if err != nil {
		return time.Time{}, err
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", day.Format("2006-01-02")+" "+clock, l.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", clock, err)
	}
	return at, nil
}
