// Package state persists agent metadata as a single JSON snapshot.
//
// Every operation reloads the snapshot from disk, applies its change, and
// rewrites the whole file before returning. There is no cross-process lock:
// two controllers writing the same file race, and the last full write wins.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"orchestra/pkg/protocol"

	"github.com/spf13/afero"
)

// AgentRecord is the persisted metadata for one agent.
type AgentRecord struct {
	AgentID         string          `json:"agent_id"`
	Task            string          `json:"task"`
	Status          protocol.Status `json:"status"`
	SessionID       string          `json:"session_id,omitempty"`
	WorktreePath    string          `json:"worktree_path,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	LastHeartbeat   *time.Time      `json:"last_heartbeat,omitempty"`
	Progress        float64         `json:"progress"`
	CurrentActivity string          `json:"current_activity,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Result          string          `json:"result,omitempty"`
	ResumedFrom     string          `json:"resumed_from,omitempty"` // id of the paused record this one replaced
}

// Snapshot is the entire persisted document.
type Snapshot struct {
	Agents      map[string]*AgentRecord `json:"agents"`
	LastUpdated *time.Time              `json:"last_updated,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Agents: make(map[string]*AgentRecord)}
}

// Store reads and writes the snapshot file. A Store serializes calls made
// within one process; it does not coordinate with other processes.
type Store struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	logger *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New returns a Store persisting to path on fs. A nil logger discards output.
func New(fs afero.Fs, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		fs:      fs,
		path:    path,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Load returns the current snapshot. A missing, unreadable or corrupt file
// yields an empty snapshot; Load never fails.
func (s *Store) Load() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() *Snapshot {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return NewSnapshot()
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		s.logger.Warn("state file unreadable, starting empty", "path", s.path, "err", err)
		return NewSnapshot()
	}
	if snap.Agents == nil {
		snap.Agents = make(map[string]*AgentRecord)
	}
	for id, rec := range snap.Agents {
		if rec == nil {
			delete(snap.Agents, id)
		}
	}
	return snap
}

// Save writes snap as the complete state, stamping LastUpdated.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(snap)
}

// save writes to a temp file in the target directory and renames it over
// the snapshot so readers never observe a partial document.
func (s *Store) save(snap *Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	now := s.nowFunc()
	snap.LastUpdated = &now

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write state %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close state %s: %w", tmpName, err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("replace state %s: %w", s.path, err)
	}
	return nil
}

// Add inserts rec, replacing any record with the same id.
func (s *Store) Add(rec AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.load()
	r := rec
	snap.Agents[rec.AgentID] = &r
	return s.save(snap)
}

// Remove deletes the record with the given id. It reports whether a record
// was deleted; removing an unknown id is not an error.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.load()
	if _, ok := snap.Agents[id]; !ok {
		return false, nil
	}
	delete(snap.Agents, id)
	return true, s.save(snap)
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.load().Agents[id]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records, or only those with one of the given
// statuses. Records are ordered by start time, then id.
func (s *Store) List(statuses ...protocol.Status) []AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterRecords(s.load(), statuses)
}

func filterRecords(snap *Snapshot, statuses []protocol.Status) []AgentRecord {
	out := make([]AgentRecord, 0, len(snap.Agents))
	for _, rec := range snap.Agents {
		if len(statuses) > 0 && !hasStatus(statuses, rec.Status) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func hasStatus(statuses []protocol.Status, s protocol.Status) bool {
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

// Update applies fn to the record with the given id and persists the result.
// It reports false without writing when the id is unknown.
func (s *Store) Update(id string, fn func(*AgentRecord)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.load()
	rec, ok := snap.Agents[id]
	if !ok {
		return false, nil
	}
	fn(rec)
	rec.AgentID = id
	return true, s.save(snap)
}

// UpdateHeartbeat stamps the record's heartbeat with the current time and,
// when activity is non-empty, replaces its current activity.
func (s *Store) UpdateHeartbeat(id, activity string) (bool, error) {
	now := s.nowFunc()
	return s.Update(id, func(rec *AgentRecord) {
		rec.LastHeartbeat = &now
		if activity != "" {
			rec.CurrentActivity = activity
		}
	})
}

// UpdateProgress sets the advisory progress value, clamped to [0,1].
func (s *Store) UpdateProgress(id string, progress float64) (bool, error) {
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	return s.Update(id, func(rec *AgentRecord) {
		rec.Progress = progress
	})
}

// MarkStale moves every running record whose heartbeat is older than
// threshold to stale and returns the ids it changed. Records without a
// heartbeat are left alone: an absent heartbeat is unknown, not old.
// The file is only rewritten when something changed.
func (s *Store) MarkStale(threshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.load()
	now := s.nowFunc()

	var stale []string
	for id, rec := range snap.Agents {
		if rec.Status != protocol.StatusRunning || rec.LastHeartbeat == nil {
			continue
		}
		if now.Sub(*rec.LastHeartbeat) > threshold {
			rec.Status = protocol.StatusStale
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)

	if err := s.save(snap); err != nil {
		return nil, err
	}
	s.logger.Info("marked agents stale", "count", len(stale), "threshold", threshold)
	return stale, nil
}
