package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database keeps the activity history of rooms: when they lived and what
// was run in them. Room documents are never stored.
type Database struct {
	db *sql.DB
}

type RoomSession struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"created_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	PeakParticipants int        `json:"peak_participants"`
}

type Run struct {
	ID         int64         `json:"id"`
	RoomID     string        `json:"room_id"`
	Language   string        `json:"language"`
	LanguageID int           `json:"language_id"`
	Status     string        `json:"status"`
	Succeeded  bool          `json:"succeeded"`
	Output     string        `json:"output"`
	Duration   time.Duration `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

// Times are stored as unix milliseconds so range deletes compare integers.
func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		closed_at INTEGER,
		peak_participants INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_room_sessions_closed_at ON room_sessions(closed_at);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		language_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		succeeded BOOLEAN NOT NULL DEFAULT FALSE,
		output TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_room_id ON runs(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Room session operations

// Room ids are random and may in principle repeat; a reused id starts a
// fresh session row.
func (d *Database) RecordRoomCreated(id string, at time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO room_sessions (id, created_at, closed_at, peak_participants)
		VALUES (?, ?, NULL, 0)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			closed_at = NULL,
			peak_participants = 0
	`, id, toMillis(at))
	return err
}

func (d *Database) RecordRoomClosed(id string, peak int, at time.Time) error {
	_, err := d.db.Exec(
		"UPDATE room_sessions SET closed_at = ?, peak_participants = ? WHERE id = ?",
		toMillis(at), peak, id,
	)
	return err
}

func (d *Database) GetRoomSession(id string) (*RoomSession, error) {
	row := d.db.QueryRow(
		"SELECT id, created_at, closed_at, peak_participants FROM room_sessions WHERE id = ?",
		id,
	)

	var (
		s        RoomSession
		created  int64
		closedAt sql.NullInt64
	)
	err := row.Scan(&s.ID, &created, &closedAt, &s.PeakParticipants)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	if closedAt.Valid {
		t := fromMillis(closedAt.Int64)
		s.ClosedAt = &t
	}
	return &s, nil
}

// Run operations

func (d *Database) RecordRun(run Run) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	result, err := d.db.Exec(`
		INSERT INTO runs (room_id, language, language_id, status, succeeded, output, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RoomID, run.Language, run.LanguageID, run.Status, run.Succeeded, run.Output,
		run.Duration.Milliseconds(), toMillis(run.CreatedAt))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListRuns returns a room's runs, newest first
func (d *Database) ListRuns(roomID string, limit, offset int) ([]Run, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, language, language_id, status, succeeded, output, duration_ms, created_at
		FROM runs
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			durationMs int64
			created    int64
		)
		if err := rows.Scan(&r.ID, &r.RoomID, &r.Language, &r.LanguageID, &r.Status, &r.Succeeded, &r.Output, &durationMs, &created); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt = fromMillis(created)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (d *Database) GetRunCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM runs WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// Retention

// DeleteRunsBefore removes runs recorded before cutoff
func (d *Database) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM runs WHERE created_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteSessionsClosedBefore removes sessions that ended before cutoff.
// Sessions still open are never touched.
func (d *Database) DeleteSessionsClosedBefore(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec(
		"DELETE FROM room_sessions WHERE closed_at IS NOT NULL AND closed_at < ?",
		toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_sessions").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var runCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&runCount); err != nil {
		return nil, err
	}
	stats["run_count"] = runCount

	var failedCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM runs WHERE succeeded = FALSE").Scan(&failedCount); err != nil {
		return nil, err
	}
	stats["failed_run_count"] = failedCount

	return stats, nil
}
