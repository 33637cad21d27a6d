// Package store persists coaching data: the per-session JSON files and
// index under the data directory, the per-(track,car) reference files,
// and the sqlite archive used for history queries.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apexline/apexline/internal/fsutil"
	"github.com/apexline/apexline/internal/monitoring"
	"github.com/apexline/apexline/internal/refs"
	"github.com/apexline/apexline/internal/session"
)

var logf = monitoring.Prefixed("[store]")

const (
	indexFile      = "sessions_index.json"
	referenceDir   = "reference_data"
	cornerRefsFile = "corner_references.json"
	saveAttempts   = 3
)

// IndexEntry is one row of sessions_index.json.
type IndexEntry struct {
	SessionID           string     `json:"session_id"`
	TrackName           string     `json:"track_name"`
	CarName             string     `json:"car_name"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	BestLapTime         float64    `json:"best_lap_time,omitempty"`
	BaselineEstablished bool       `json:"baseline_established"`
}

// referenceEntry wraps one stored reference lap with its metadata.
type referenceEntry struct {
	LapData   *refs.ReferenceLap `json:"lap_data"`
	CreatedAt time.Time          `json:"created_at"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// FileStore owns the on-disk layout under the data directory. All
// writes go through the filesystem abstraction so tests run in memory.
type FileStore struct {
	dir string
	fs  fsutil.FileSystem

	mu    sync.Mutex
	index []IndexEntry
}

// Open prepares the data directory and loads the session index.
func Open(dir string, filesystem fsutil.FileSystem) (*FileStore, error) {
	if filesystem == nil {
		filesystem = fsutil.OSFileSystem{}
	}
	s := &FileStore{dir: dir, fs: filesystem}
	if err := filesystem.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := filesystem.MkdirAll(filepath.Join(dir, referenceDir), 0o755); err != nil {
		return nil, fmt.Errorf("create reference dir: %w", err)
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadIndex() error {
	path := filepath.Join(s.dir, indexFile)
	if !s.fs.Exists(path) {
		return nil
	}
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	return nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if lastErr = s.fs.WriteFile(path, data, 0o644); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return lastErr
}

// SaveSession writes the full session state and updates the index.
func (s *FileStore) SaveSession(st *session.State) error {
	if st == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeJSON(filepath.Join(s.dir, st.ID+".json"), st); err != nil {
		return fmt.Errorf("save session %s: %w", st.ID, err)
	}

	entry := IndexEntry{
		SessionID:           st.ID,
		TrackName:           st.Track,
		CarName:             st.Car,
		StartTime:           st.StartTime,
		EndTime:             st.EndTime,
		BestLapTime:         st.BestLapTime,
		BaselineEstablished: st.BaselineEstablished,
	}
	replaced := false
	for i := range s.index {
		if s.index[i].SessionID == st.ID {
			s.index[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		s.index = append(s.index, entry)
	}
	if err := s.writeJSON(filepath.Join(s.dir, indexFile), s.index); err != nil {
		return fmt.Errorf("save session index: %w", err)
	}
	logf("session %s persisted (%d laps)", st.ID, len(st.Laps))
	return nil
}

// LoadSession reads one persisted session by id.
func (s *FileStore) LoadSession(id string) (*session.State, error) {
	data, err := s.fs.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &st, nil
}

// Sessions returns a copy of the index, newest first.
func (s *FileStore) Sessions() []IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IndexEntry, len(s.index))
	copy(out, s.index)
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func pairKey(trackName, car string) string {
	clean := func(v string) string {
		v = strings.ToLower(strings.TrimSpace(v))
		return strings.ReplaceAll(v, " ", "_")
	}
	return clean(trackName) + "_" + clean(car)
}

func (s *FileStore) referencePath(trackName, car string) string {
	return filepath.Join(s.dir, pairKey(trackName, car)+"_references.json")
}

// SaveReferenceLap writes one reference lap into the per-pair reference
// file, keyed by type. Implements refs.Persister.
func (s *FileStore) SaveReferenceLap(ref *refs.ReferenceLap) error {
	if ref == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.referencePath(ref.Track, ref.Car)
	entries := make(map[refs.LapType]referenceEntry)
	if s.fs.Exists(path) {
		if data, err := s.fs.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, &entries); err != nil {
				logf("reference file %s unreadable, rewriting: %v", path, err)
				entries = make(map[refs.LapType]referenceEntry)
			}
		}
	}
	entries[ref.Type] = referenceEntry{
		LapData:   ref,
		CreatedAt: ref.CreatedAt,
		Metadata:  map[string]string{"lap_time": fmt.Sprintf("%.3f", ref.LapTime)},
	}
	return s.writeJSON(path, entries)
}

// LoadReferenceLap reads one stored reference lap, nil when absent.
func (s *FileStore) LoadReferenceLap(trackName, car string, lapType refs.LapType) (*refs.ReferenceLap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.referencePath(trackName, car)
	if !s.fs.Exists(path) {
		return nil, nil
	}
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[refs.LapType]referenceEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse references %s: %w", path, err)
	}
	entry, ok := entries[lapType]
	if !ok {
		return nil, nil
	}
	return entry.LapData, nil
}

// HasBaseline reports whether a personal best exists for the pair.
func (s *FileStore) HasBaseline(trackName, car string) bool {
	ref, err := s.LoadReferenceLap(trackName, car, refs.TypePersonalBest)
	return err == nil && ref != nil && ref.LapTime > 0
}

func (s *FileStore) cornerRefsPath() string {
	return filepath.Join(s.dir, referenceDir, cornerRefsFile)
}

// SaveCornerReferences stores the per-pair corner references.
// Implements refs.Persister.
func (s *FileStore) SaveCornerReferences(trackName, car string, corners []*refs.CornerReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make(map[string][]*refs.CornerReference)
	if s.fs.Exists(s.cornerRefsPath()) {
		if data, err := s.fs.ReadFile(s.cornerRefsPath()); err == nil {
			if err := json.Unmarshal(data, &all); err != nil {
				all = make(map[string][]*refs.CornerReference)
			}
		}
	}
	all[pairKey(trackName, car)] = corners
	return s.writeJSON(s.cornerRefsPath(), all)
}

// LoadCornerReferences reads the corner references for a pair.
func (s *FileStore) LoadCornerReferences(trackName, car string) ([]*refs.CornerReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fs.Exists(s.cornerRefsPath()) {
		return nil, nil
	}
	data, err := s.fs.ReadFile(s.cornerRefsPath())
	if err != nil {
		return nil, err
	}
	all := make(map[string][]*refs.CornerReference)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse corner references: %w", err)
	}
	return all[pairKey(trackName, car)], nil
}

var _ refs.Persister = (*FileStore)(nil)
