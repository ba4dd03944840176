package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/trainalyze/trainalyze/internal/scan"
)

// ErrNoResults is returned when a session holds no scan results.
var ErrNoResults = errors.New("no scan results for this session")

// Results is the scan held for one browser session.
type Results struct {
	Source    string       `json:"source"`
	ScannedAt time.Time    `json:"scanned_at"`
	ScanID    string       `json:"scan_id,omitempty"` // history record, when saved
	Summary   scan.Summary `json:"summary"`
}

// ResultStore holds one Results per session id until it expires or is
// deleted. Only the opaque session id ever reaches the client.
type ResultStore interface {
	Put(ctx context.Context, sessionID string, res *Results) error
	Get(ctx context.Context, sessionID string) (*Results, error)
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// SessionStore is the in-process ResultStore.
type SessionStore struct {
	sessions map[string]*session
	mu       sync.RWMutex
	ttl      time.Duration
	now      func() time.Time
	done     chan struct{}
}

type session struct {
	results   *Results
	expiresAt time.Time
}

// NewSessionStore creates a new session store with automatic cleanup
func NewSessionStore(ttl time.Duration) *SessionStore {
	store := &SessionStore{
		sessions: make(map[string]*session),
		ttl:      ttl,
		now:      time.Now,
		done:     make(chan struct{}),
	}

	go store.cleanupLoop()

	return store
}

// generateSessionID creates a cryptographically secure session ID
func generateSessionID() (string, error) {
	bytes := make([]byte, 32) // 256 bits
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// Put stores results for a session and restarts its expiry.
func (s *SessionStore) Put(_ context.Context, id string, res *Results) error {
	s.mu.Lock()
	s.sessions[id] = &session{results: res, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// Get returns a session's results, or ErrNoResults if there are none or
// they have expired.
func (s *SessionStore) Get(ctx context.Context, id string) (*Results, error) {
	if id == "" {
		return nil, ErrNoResults
	}

	s.mu.RLock()
	sess, exists := s.sessions[id]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrNoResults
	}
	if s.now().After(sess.expiresAt) {
		s.Delete(ctx, id)
		return nil, ErrNoResults
	}
	return sess.results, nil
}

// Delete removes a session
func (s *SessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) Ping(context.Context) error { return nil }

// Close stops the cleanup loop.
func (s *SessionStore) Close() {
	close(s.done)
}

// cleanupLoop periodically removes expired sessions
func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

func (s *SessionStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Count returns the number of held sessions (for monitoring)
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
