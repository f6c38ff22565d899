// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"instrument-service/internal/model"
)

// Session summarizes one durable measurement log.
type Session struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Samples   int64     `json:"samples"`
}

// Store is the durable session log. Unlike the in-memory ring it is an
// unbounded append path: every recorded sample of a session lands
// here, fed from the same event stream the live buffer consumes.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the session database at path.
func New(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	ended_at    TEXT
);
CREATE TABLE IF NOT EXISTS measurements (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL REFERENCES sessions(id),
	device_id   TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	channel     TEXT NOT NULL,
	value       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_measurements_session ON measurements(session_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// BeginSession opens a new session for a device and returns its id.
func (s *Store) BeginSession(ctx context.Context, deviceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(device_id, started_at) VALUES (?, ?)`,
		deviceID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: session id: %w", err)
	}
	return id, nil
}

// EndSession stamps a session's end time.
func (s *Store) EndSession(ctx context.Context, sessionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: end session: %w", err)
	}
	return nil
}

// Append records one sample under a session. Every channel becomes a
// row so queries need no knowledge of which channels a device reports.
func (s *Store) Append(ctx context.Context, sessionID int64, sample model.MeasurementSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO measurements(session_id, device_id, timestamp, channel, value) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}

	timestamp := sample.Timestamp.UTC().Format(time.RFC3339Nano)
	for _, channel := range sample.Channels {
		if _, err := stmt.ExecContext(ctx, sessionID, sample.DeviceID, timestamp, channel.Name, channel.Value); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("sqlite: insert channel %s: %w", channel.Name, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit sample: %w", err)
	}
	return nil
}

// Sessions lists sessions newest-first, with their sample counts.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT s.id, s.device_id, s.started_at, COALESCE(s.ended_at, ''),
       COUNT(DISTINCT m.timestamp)
FROM sessions s
LEFT JOIN measurements m ON m.session_id = s.id
GROUP BY s.id
ORDER BY s.id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: sessions query: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		var started, ended string
		if err := rows.Scan(&session.ID, &session.DeviceID, &started, &ended, &session.Samples); err != nil {
			return nil, fmt.Errorf("sqlite: sessions scan: %w", err)
		}
		if session.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("sqlite: bad started_at %q: %w", started, err)
		}
		if ended != "" {
			if session.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
				return nil, fmt.Errorf("sqlite: bad ended_at %q: %w", ended, err)
			}
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SessionSamples reassembles a session's samples oldest-first.
func (s *Store) SessionSamples(ctx context.Context, sessionID int64) ([]model.MeasurementSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, timestamp, channel, value
FROM measurements
WHERE session_id = ?
ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: session samples query: %w", err)
	}
	defer rows.Close()

	var samples []model.MeasurementSample
	var current *model.MeasurementSample
	for rows.Next() {
		var deviceID, timestamp, channel string
		var value float64
		if err := rows.Scan(&deviceID, &timestamp, &channel, &value); err != nil {
			return nil, fmt.Errorf("sqlite: session samples scan: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("sqlite: bad timestamp %q: %w", timestamp, err)
		}

		if current == nil || !current.Timestamp.Equal(parsed) || current.DeviceID != deviceID {
			samples = append(samples, model.MeasurementSample{Timestamp: parsed, DeviceID: deviceID})
			current = &samples[len(samples)-1]
		}
		current.Channels = append(current.Channels, model.ChannelValue{Name: channel, Value: value})
	}
	return samples, rows.Err()
}
