// Package session maintains the registry of persistent conversation
// sessions and enforces the single-active-search invariant.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascade-search/rlm/pkg/bus"
)

var (
	// ErrBusy is returned when a search is already active on a session.
	ErrBusy = errors.New("session busy")
	// ErrUnknown is returned for session ids not in the registry.
	ErrUnknown = errors.New("unknown session")
)

// Manager is the in-memory session registry. Its lock only guards
// membership; per-session state is guarded by each session's own lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		log:      slog.Default(),
	}
}

// Create registers a new session and claims it for its first search.
func (m *Manager) Create(sess *Session, searchID string, b *bus.Bus) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if err := sess.begin(searchID, b); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// PrepareFollowUp atomically claims an existing session for a follow-up
// search: rejects when busy, bumps the search count, assigns the new
// bus, and returns the session with its live driver and sandbox.
func (m *Manager) PrepareFollowUp(sessionID, searchID string, b *bus.Bus) (*Session, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, ErrUnknown
	}
	if err := sess.begin(searchID, b); err != nil {
		return nil, err
	}
	return sess, nil
}

// ClearActive releases a session after its search finishes. Called from
// the worker's deferred cleanup; a missing session is a no-op.
func (m *Manager) ClearActive(sessionID string) {
	if sess, ok := m.Get(sessionID); ok {
		sess.clear()
	}
}

// Delete removes a session and closes its sandbox. Refuses while busy.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknown
	}
	if sess.Busy() {
		m.mu.Unlock()
		return ErrBusy
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	sess.close()
	return nil
}

// CleanupExpired removes idle sessions past the timeout, closing their
// sandboxes. Busy sessions are never reaped. Returns the reaped ids.
func (m *Manager) CleanupExpired(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.Busy() {
			continue
		}
		if sess.LastActive().Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, sess := range expired {
		sess.close()
		ids = append(ids, sess.ID)
	}
	return ids
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunReaper periodically reaps expired sessions until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := m.CleanupExpired(timeout); len(reaped) > 0 {
				m.log.Info("reaped expired sessions", "count", len(reaped), "ids", reaped)
			}
		}
	}
}
