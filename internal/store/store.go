// Package store persists finalized check-ins, daily score aggregates and raw
// recordings in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/stillpoint-app/checkin/pkg/core"
	"github.com/stillpoint-app/checkin/pkg/core/checkin"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	date        TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	ended_at    TIMESTAMP NOT NULL,
	stress      REAL,
	fatigue     REAL,
	has_metrics INTEGER NOT NULL DEFAULT 0,
	payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_date ON sessions(date);

CREATE TABLE IF NOT EXISTS daily_scores (
	date       TEXT PRIMARY KEY,
	stress     REAL NOT NULL,
	fatigue    REAL NOT NULL,
	count      INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS recordings (
	id          TEXT PRIMARY KEY,
	sample_rate INTEGER NOT NULL,
	pcm         BLOB NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
`

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("store: not found")

// DailyScore is the running same-day aggregate of finalized sessions.
type DailyScore struct {
	Date    string
	Stress  float64
	Fatigue float64
	Count   int
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// The sqlite driver is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a finalized record and recomputes the daily aggregate
// for its date. Last write wins per session id.
func (s *Store) SaveSession(ctx context.Context, rec *checkin.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}

	date := rec.StartedAt.Format("2006-01-02")
	var stress, fatigue sql.NullFloat64
	hasMetrics := 0
	if rec.Metrics != nil {
		stress = sql.NullFloat64{Float64: rec.Metrics.FinalScores.Stress, Valid: true}
		fatigue = sql.NullFloat64{Float64: rec.Metrics.FinalScores.Fatigue, Valid: true}
		hasMetrics = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, date, started_at, ended_at, stress, fatigue, has_metrics, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			date = excluded.date,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			stress = excluded.stress,
			fatigue = excluded.fatigue,
			has_metrics = excluded.has_metrics,
			payload = excluded.payload`,
		rec.ID, rec.UserID, date, rec.StartedAt, rec.EndedAt, stress, fatigue, hasMetrics, payload)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}

	if err := s.recomputeDayTx(ctx, tx, date); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteSession removes a session and recomputes its day's aggregate from
// the remaining sessions.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var date string
	err = tx.QueryRowContext(ctx, `SELECT date FROM sessions WHERE id = ?`, id).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup session %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := s.recomputeDayTx(ctx, tx, date); err != nil {
		return err
	}
	return tx.Commit()
}

// recomputeDayTx rebuilds the daily aggregate for one date from scratch.
// Rebuilding instead of incrementing keeps deletes and re-saves exact.
func (s *Store) recomputeDayTx(ctx context.Context, tx *sql.Tx, date string) error {
	var stress, fatigue sql.NullFloat64
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT AVG(stress), AVG(fatigue), COUNT(*)
		FROM sessions WHERE date = ? AND has_metrics = 1`, date).
		Scan(&stress, &fatigue, &count)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", date, err)
	}

	if count == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM daily_scores WHERE date = ?`, date); err != nil {
			return fmt.Errorf("clear daily score %s: %w", date, err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_scores (date, stress, fatigue, count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			stress = excluded.stress,
			fatigue = excluded.fatigue,
			count = excluded.count,
			updated_at = excluded.updated_at`,
		date, stress.Float64, fatigue.Float64, count, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert daily score %s: %w", date, err)
	}
	return nil
}

// GetSession loads one finalized record by id.
func (s *Store) GetSession(ctx context.Context, id string) (*checkin.Record, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var rec checkin.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

// SessionsByDate returns the records started on one calendar date, oldest
// first.
func (s *Store) SessionsByDate(ctx context.Context, date string) ([]*checkin.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM sessions WHERE date = ? ORDER BY started_at`, date)
	if err != nil {
		return nil, fmt.Errorf("query sessions for %s: %w", date, err)
	}
	defer rows.Close()

	var out []*checkin.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec checkin.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			s.logger.Warn("skipping undecodable session payload", zap.Error(err))
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// DailyScore returns the aggregate for one date.
func (s *Store) DailyScore(ctx context.Context, date string) (DailyScore, error) {
	var d DailyScore
	err := s.db.QueryRowContext(ctx,
		`SELECT date, stress, fatigue, count FROM daily_scores WHERE date = ?`, date).
		Scan(&d.Date, &d.Stress, &d.Fatigue, &d.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyScore{}, ErrNotFound
	}
	if err != nil {
		return DailyScore{}, fmt.Errorf("load daily score %s: %w", date, err)
	}
	return d, nil
}

// RecentDailyScores returns up to limit aggregates, newest first.
func (s *Store) RecentDailyScores(ctx context.Context, limit int) ([]DailyScore, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, stress, fatigue, count FROM daily_scores ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query daily scores: %w", err)
	}
	defer rows.Close()

	var out []DailyScore
	for rows.Next() {
		var d DailyScore
		if err := rows.Scan(&d.Date, &d.Stress, &d.Fatigue, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveRecording stores raw PCM under an opaque id. Sessions reference the
// recording by id only; the audio is never embedded in the session payload.
func (s *Store) SaveRecording(ctx context.Context, recordingID string, pcm []byte, sampleRate int) error {
	if recordingID == "" || len(pcm) == 0 {
		return core.NewInvalidRequestError("recording requires an id and audio", "recordingId")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (id, sample_rate, pcm, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sample_rate = excluded.sample_rate, pcm = excluded.pcm`,
		recordingID, sampleRate, pcm, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save recording %s: %w", recordingID, err)
	}
	return nil
}

// GetRecording resolves a weak recording reference.
func (s *Store) GetRecording(ctx context.Context, recordingID string) ([]byte, int, error) {
	var pcm []byte
	var sampleRate int
	err := s.db.QueryRowContext(ctx,
		`SELECT pcm, sample_rate FROM recordings WHERE id = ?`, recordingID).
		Scan(&pcm, &sampleRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load recording %s: %w", recordingID, err)
	}
	return pcm, sampleRate, nil
}

// DB exposes the underlying handle so sibling components can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}
