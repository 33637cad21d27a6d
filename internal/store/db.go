package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apexline/apexline/internal/coach"
	"github.com/apexline/apexline/internal/laps"
)

// DB is the sqlite archive behind history queries: completed laps and
// delivered coaching messages survive here across sessions.
type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the archive at path and ensures the base
// schema. Migrations layer on top via MigrateUp.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS lap_archive (
			session_id        TEXT,
			lap_number        BIGINT,
			lap_time          DOUBLE,
			sector_times_json TEXT,
			track_name        TEXT,
			car_name          TEXT,
			valid             BOOLEAN,
			completed_at      TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS message_archive (
			message_id  TEXT,
			session_id  TEXT,
			category    TEXT,
			priority    TEXT,
			source      TEXT,
			confidence  DOUBLE,
			content     TEXT,
			created_at  TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS track_segments (
			track_name    TEXT PRIMARY KEY,
			segments_json TEXT NOT NULL,
			updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// RecordLap archives one completed lap.
func (db *DB) RecordLap(sessionID string, rec laps.LapRecord) error {
	sectors := "[]"
	if len(rec.SectorTimes) > 0 {
		sectors = marshalSectors(rec.SectorTimes)
	}
	_, err := db.Exec(`
		INSERT INTO lap_archive
			(session_id, lap_number, lap_time, sector_times_json, track_name, car_name, valid, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, rec.Lap, rec.LapTime, sectors, rec.Track, rec.Car, rec.Valid, rec.CompletedAt)
	return err
}

// RecordMessage archives one delivered coaching message.
func (db *DB) RecordMessage(sessionID string, msg *coach.Message) error {
	if msg == nil {
		return nil
	}
	_, err := db.Exec(`
		INSERT INTO message_archive
			(message_id, session_id, category, priority, source, confidence, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, msg.Category, msg.Priority, msg.Source, msg.Confidence, msg.Content, msg.Timestamp)
	return err
}

// ArchivedMessage is one history row.
type ArchivedMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	Source    string    `json:"source"`
	Content   string    `json:"message"`
	CreatedAt time.Time `json:"timestamp"`
}

// RecentMessages returns the newest archived messages, newest first.
func (db *DB) RecentMessages(limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT message_id, session_id, category, priority, source, content, created_at
		FROM message_archive ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Category, &m.Priority, &m.Source, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ArchivedLap is one lap history row.
type ArchivedLap struct {
	SessionID   string    `json:"session_id"`
	Lap         int       `json:"lap"`
	LapTime     float64   `json:"lap_time"`
	Valid       bool      `json:"valid"`
	CompletedAt time.Time `json:"completed_at"`
}

// LapHistory returns the archived laps for a (track, car) pair, newest
// first.
func (db *DB) LapHistory(trackName, car string, limit int) ([]ArchivedLap, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT session_id, lap_number, lap_time, valid, completed_at
		FROM lap_archive WHERE track_name = ? AND car_name = ?
		ORDER BY completed_at DESC LIMIT ?
	`, trackName, car, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedLap
	for rows.Next() {
		var l ArchivedLap
		if err := rows.Scan(&l.SessionID, &l.Lap, &l.LapTime, &l.Valid, &l.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func marshalSectors(sectors []float64) string {
	data, err := json.Marshal(sectors)
	if err != nil {
		return "[]"
	}
	return string(data)
}
