// Package runtime implements the Session Runtime (C7): the agentic loop's
// S0-S5 state machine, session persistence, and resume/fork semantics.
//
// Persistence follows a Session/Manager shape: one JSON file per session,
// written by explicit Store.Save calls, with thread-safe single-writer
// access, built on this module's types.Message.
package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/link-assistant/agent/internal/core/types"
)

// Metadata records the context a session ran under (provider/model/version
// fields) for debugging/resuming.
type Metadata struct {
	AgentVersion string `json:"agentVersion"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

// Record is the on-disk session representation.
type Record struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Metadata  Metadata        `json:"metadata"`
	Messages  []types.Message `json:"messages"`
	Usage     types.Usage     `json:"usage"`
	Title     string          `json:"title,omitempty"`
	Summary   string          `json:"summary,omitempty"`
}

// NewRecord creates a fresh session record.
func NewRecord(id string) *Record {
	now := time.Now()
	return &Record{
		Version:   "1.0",
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []types.Message{},
	}
}

// Store is a single-writer-per-session JSON file store: only the runtime
// loop mutates a given session's message list.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore returns a Store rooted at dir (created if absent).
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: creating session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string { return s.dir + "/" + id + ".json" }

// Load reads a session record by id.
func (s *Store) Load(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("runtime: loading session %q: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("runtime: parsing session %q: %w", id, err)
	}
	return &rec, nil
}

// Save writes a session record to disk, updating UpdatedAt.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("runtime: marshaling session %q: %w", rec.ID, err)
	}
	return os.WriteFile(s.path(rec.ID), data, 0o644)
}

// MostRecent finds the most recently updated session id, used by
// --continue. Returns "" if the store is empty.
func (s *Store) MostRecent() (string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return "", err
	}
	var bestID string
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			bestID = trimJSON(e.Name())
		}
	}
	return bestID, nil
}

func trimJSON(name string) string {
	if len(name) > 5 && name[len(name)-5:] == ".json" {
		return name[:len(name)-5]
	}
	return name
}

func generateSessionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "ses_" + hex.EncodeToString(buf)
}

// Resume implements the session-resume rule: load the referenced
// history and, unless noFork is set, assign a fresh id and copy the
// history under it, retaining the old session as parent.
func (s *Store) Resume(id string, noFork bool) (*Record, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if noFork {
		return rec, nil
	}
	forked := &Record{
		Version:   rec.Version,
		ID:        generateSessionID(),
		ParentID:  rec.ID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  rec.Metadata,
		Messages:  append([]types.Message(nil), rec.Messages...),
		Usage:     rec.Usage,
	}
	if err := s.Save(forked); err != nil {
		return nil, err
	}
	return forked, nil
}

// NewSessionID is exported for callers (S0) that need a fresh id without
// resuming.
func NewSessionID() string { return generateSessionID() }

// NewMessageID is exported for the
// loop to stamp assistant messages it appends to a session record.
func NewMessageID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "msg_" + hex.EncodeToString(buf)
}
