package track

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apexline/apexline/internal/monitoring"
)

// Generator produces a segment table for a track when no stored metadata
// exists. The production implementation asks an LLM; tests stub it.
type Generator interface {
	GenerateSegments(ctx context.Context, trackName string) ([]Segment, error)
}

// Store resolves segment metadata for a track, layering lookups:
// in-memory cache, local JSON file, the sqlite metadata table, and
// finally the generator. Hits in lower layers are written back upward.
type Store struct {
	mu        sync.Mutex
	cache     map[string][]Segment
	localDir  string  // directory of <track>.segments.json files, "" to skip
	db        *sql.DB // nil to skip the KV layer
	generator Generator

	logf func(format string, v ...interface{})
}

// NewStore builds a metadata store. Any layer may be absent: pass "" for
// localDir, nil for db or generator.
func NewStore(localDir string, db *sql.DB, gen Generator) *Store {
	return &Store{
		cache:     make(map[string][]Segment),
		localDir:  localDir,
		db:        db,
		generator: gen,
		logf:      monitoring.Prefixed("[trackstore]"),
	}
}

// EnsureSchema creates the segment metadata table. Safe to call more than
// once; a nil db is a no-op.
func (s *Store) EnsureSchema() error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS track_segments (
			track_name TEXT PRIMARY KEY,
			segments_json TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Segments returns the validated segment table for a track, or nil when no
// layer can supply one. A nil result is not an error: the caller degrades
// to the whole-track segment.
func (s *Store) Segments(ctx context.Context, trackName string) []Segment {
	key := normalizeTrackKey(trackName)

	s.mu.Lock()
	if segs, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return segs
	}
	s.mu.Unlock()

	if segs := s.fromLocalFile(key); segs != nil {
		s.remember(key, segs)
		return segs
	}
	if segs := s.fromDB(key); segs != nil {
		s.remember(key, segs)
		return segs
	}
	if segs := s.fromGenerator(ctx, trackName, key); segs != nil {
		s.remember(key, segs)
		return segs
	}
	return nil
}

// Put stores a segment table after validating it, writing through to the
// sqlite layer when present.
func (s *Store) Put(trackName string, segs []Segment) error {
	if err := ValidateSegments(segs); err != nil {
		return fmt.Errorf("invalid segments for %q: %w", trackName, err)
	}
	key := normalizeTrackKey(trackName)
	s.remember(key, segs)
	return s.writeDB(key, segs)
}

func (s *Store) remember(key string, segs []Segment) {
	s.mu.Lock()
	s.cache[key] = segs
	s.mu.Unlock()
}

func (s *Store) fromLocalFile(key string) []Segment {
	if s.localDir == "" {
		return nil
	}
	path := filepath.Join(s.localDir, key+".segments.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var segs []Segment
	if err := json.Unmarshal(data, &segs); err != nil {
		s.logf("ignoring malformed segment file %s: %v", path, err)
		return nil
	}
	if err := ValidateSegments(segs); err != nil {
		s.logf("ignoring invalid segment file %s: %v", path, err)
		return nil
	}
	return segs
}

func (s *Store) fromDB(key string) []Segment {
	if s.db == nil {
		return nil
	}
	var raw string
	err := s.db.QueryRow("SELECT segments_json FROM track_segments WHERE track_name = ?", key).Scan(&raw)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logf("segment lookup failed for %q: %v", key, err)
		}
		return nil
	}
	var segs []Segment
	if err := json.Unmarshal([]byte(raw), &segs); err != nil {
		s.logf("ignoring malformed stored segments for %q: %v", key, err)
		return nil
	}
	if err := ValidateSegments(segs); err != nil {
		s.logf("ignoring invalid stored segments for %q: %v", key, err)
		return nil
	}
	return segs
}

func (s *Store) fromGenerator(ctx context.Context, trackName, key string) []Segment {
	if s.generator == nil {
		return nil
	}
	segs, err := s.generator.GenerateSegments(ctx, trackName)
	if err != nil {
		s.logf("segment generation failed for %q: %v", trackName, err)
		return nil
	}
	if err := ValidateSegments(segs); err != nil {
		s.logf("rejecting generated segments for %q: %v", trackName, err)
		return nil
	}
	if err := s.writeDB(key, segs); err != nil {
		s.logf("failed to persist generated segments for %q: %v", trackName, err)
	}
	return segs
}

func (s *Store) writeDB(key string, segs []Segment) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(segs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO track_segments (track_name, segments_json) VALUES (?, ?)
		ON CONFLICT(track_name) DO UPDATE SET segments_json = excluded.segments_json,
			updated_at = CURRENT_TIMESTAMP
	`, key, string(data))
	return err
}

func normalizeTrackKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	return key
}
