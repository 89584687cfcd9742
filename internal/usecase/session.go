package usecase

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"knowbot/internal/domain"
)

// Session represents an active conversation session.
type Session struct {
	mu          sync.RWMutex
	ID          string           `json:"id"`           // ULID (internal, globally unique)
	ExternalKey string           `json:"external_key"` // channel lookup key (e.g. "cli:cli-default")
	Msgs        []domain.Message `json:"messages"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewSession creates a new empty session with a generated ULID.
// The externalKey is the channel-scoped lookup key (e.g. "cli:cli-default").
func NewSession(externalKey string) *Session {
	now := time.Now()
	return &Session{
		ID:          generateULID(now),
		ExternalKey: externalKey,
		Msgs:        make([]domain.Message, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// MessageCount returns the number of messages in the session.
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}

// Clear removes all messages but keeps the session identity.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Msgs = s.Msgs[:0]
	s.UpdatedAt = time.Now()
}

// ReplaceMessages swaps the full history (used by compression).
func (s *Session) ReplaceMessages(msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Msgs = msgs
	s.UpdatedAt = time.Now()
}

// Truncate keeps only the last N messages.
func (s *Session) Truncate(maxMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Msgs) <= maxMessages {
		return
	}
	s.Msgs = s.Msgs[len(s.Msgs)-maxMessages:]
}

// SessionManager manages multiple sessions with disk persistence.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dataDir  string
}

// NewSessionManager creates a session manager with a data directory for persistence.
func NewSessionManager(dataDir string) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		dataDir:  dataDir,
	}
}

// validateSessionKey checks if a session key is safe for filesystem use.
// It rejects path separators, parent directory references, and null bytes.
func (sm *SessionManager) validateSessionKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("session key contains path separators: %q", key)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key contains parent directory reference: %q", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key contains null byte: %q", key)
	}
	if clean := filepath.Clean(key); clean != key {
		return fmt.Errorf("session key not a clean path: %q vs %q", key, clean)
	}
	return nil
}

// GetOrCreate returns an existing session or creates a new one, loading a
// persisted copy from disk when present.
func (sm *SessionManager) GetOrCreate(key string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[key]; ok {
		return s
	}

	s := NewSession(key)
	if loaded, err := sm.loadFromDisk(key); err == nil {
		s = loaded
	}

	sm.sessions[key] = s
	return s
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(key string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, key)
	}
	return s, nil
}

// Save persists a session to disk as JSON.
func (sm *SessionManager) Save(key string) error {
	if err := sm.validateSessionKey(key); err != nil {
		return domain.NewDomainError("SessionManager.Save", err, key)
	}

	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Save", domain.ErrSessionNotFound, key)
	}

	if err := os.MkdirAll(sm.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return os.WriteFile(sm.sessionPath(key), data, 0600)
}

// Delete removes a session from memory and disk.
func (sm *SessionManager) Delete(key string) error {
	if err := sm.validateSessionKey(key); err != nil {
		return domain.NewDomainError("SessionManager.Delete", err, key)
	}

	sm.mu.Lock()
	_, ok := sm.sessions[key]
	delete(sm.sessions, key)
	sm.mu.Unlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, key)
	}

	if err := os.Remove(sm.sessionPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// ListSessions returns all active session keys.
func (sm *SessionManager) ListSessions() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	keys := make([]string, 0, len(sm.sessions))
	for key := range sm.sessions {
		keys = append(keys, key)
	}
	return keys
}

// ReapStaleSessions deletes sessions not updated within maxAge and returns
// the count of reaped sessions. Both in-memory state and on-disk files are
// removed.
func (sm *SessionManager) ReapStaleSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	// Phase 1: identify stale sessions under read lock (no nested locks).
	sm.mu.RLock()
	var staleKeys []string
	for key, s := range sm.sessions {
		s.mu.RLock()
		stale := s.UpdatedAt.Before(cutoff)
		s.mu.RUnlock()
		if stale {
			staleKeys = append(staleKeys, key)
		}
	}
	sm.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	// Phase 2: delete under write lock.
	sm.mu.Lock()
	for _, key := range staleKeys {
		delete(sm.sessions, key)
	}
	sm.mu.Unlock()

	// Phase 3: clean up disk files (no lock needed).
	for _, key := range staleKeys {
		if err := sm.validateSessionKey(key); err != nil {
			continue
		}
		os.Remove(sm.sessionPath(key))
	}
	return len(staleKeys)
}

func (sm *SessionManager) sessionPath(key string) string {
	return filepath.Join(sm.dataDir, key+".json")
}

func (sm *SessionManager) loadFromDisk(key string) (*Session, error) {
	if err := sm.validateSessionKey(key); err != nil {
		return nil, domain.NewDomainError("SessionManager.loadFromDisk", err, key)
	}

	data, err := os.ReadFile(sm.sessionPath(key))
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	// Migrate legacy files: if ExternalKey is empty, the old ID was the
	// external key and a proper ULID needs assigning.
	if s.ExternalKey == "" {
		s.ExternalKey = s.ID
		s.ID = generateULID(time.Now())
	}

	return &s, nil
}
